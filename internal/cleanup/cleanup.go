// Package cleanup implements pruning of local session recordings left on
// the recorder host after upload.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// recordingPrefix is how the broker names recordings: testid-{session id},
// with or without an extension.
const recordingPrefix = "testid-"

// Protected reports whether the recording for sessionID must be kept, for
// example because the session has not been torn down yet.
type Protected func(sessionID string) bool

// Recording is one local recording file.
type Recording struct {
	Name      string
	SessionID string
	ModTime   time.Time
	Size      int64
}

// SessionID extracts the session id from a recording file name.
func SessionID(name string) (string, bool) {
	if !strings.HasPrefix(name, recordingPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(name, recordingPrefix)
	id = strings.TrimSuffix(id, filepath.Ext(id))
	if id == "" {
		return "", false
	}
	return id, true
}

// List returns the recordings in dir, oldest first. A missing directory
// has no recordings.
func List(dir string) ([]Recording, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recordings directory: %w", err)
	}

	var recs []Recording
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		id, ok := SessionID(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		recs = append(recs, Recording{
			Name:      entry.Name(),
			SessionID: id,
			ModTime:   info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ModTime.Equal(recs[j].ModTime) {
			return recs[i].Name < recs[j].Name
		}
		return recs[i].ModTime.Before(recs[j].ModTime)
	})
	return recs, nil
}

// PruneByAge removes recordings last modified more than maxAgeDays ago.
// If dryRun is true, nothing is deleted; the function only returns the
// names that would be removed. protect may be nil.
func PruneByAge(dir string, maxAgeDays int, protect Protected, dryRun bool) ([]string, error) {
	recs, err := List(dir)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)
	var victims []Recording
	for _, rec := range recs {
		if rec.ModTime.Before(cutoff) {
			victims = append(victims, rec)
		}
	}
	return remove(dir, victims, protect, dryRun)
}

// PruneKeepRecent removes all recordings except the most recent keep.
// Protected recordings are never removed but still count toward keep.
func PruneKeepRecent(dir string, keep int, protect Protected, dryRun bool) ([]string, error) {
	recs, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(recs) <= keep {
		return nil, nil
	}
	return remove(dir, recs[:len(recs)-keep], protect, dryRun)
}

func remove(dir string, recs []Recording, protect Protected, dryRun bool) ([]string, error) {
	var pruned []string
	for _, rec := range recs {
		if protect != nil && protect(rec.SessionID) {
			continue
		}
		if !dryRun {
			if err := os.Remove(filepath.Join(dir, rec.Name)); err != nil && !os.IsNotExist(err) {
				return pruned, fmt.Errorf("removing %s: %w", rec.Name, err)
			}
		}
		pruned = append(pruned, rec.Name)
	}
	return pruned, nil
}
