package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNoBucket is returned when no recording bucket is configured.
var ErrNoBucket = errors.New("recording: no bucket configured")

// Presigner is the subset of *s3.PresignClient used here.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Playback issues presigned GET links to archived recordings.
type Playback struct {
	presigner Presigner
	bucket    string
	prefix    string
	ttl       time.Duration
	now       func() time.Time
}

// NewPlayback returns a Playback over client. ttl <= 0 selects one hour.
func NewPlayback(client *s3.Client, bucket, prefix string, ttl time.Duration) *Playback {
	return newPlayback(s3.NewPresignClient(client), bucket, prefix, ttl)
}

func newPlayback(p Presigner, bucket, prefix string, ttl time.Duration) *Playback {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Playback{presigner: p, bucket: bucket, prefix: prefix, ttl: ttl, now: time.Now}
}

// URL returns a presigned link to the recording of sessionID and the time
// it stops working.
func (p *Playback) URL(ctx context.Context, sessionID string) (string, time.Time, error) {
	if p.bucket == "" {
		return "", time.Time{}, ErrNoBucket
	}
	req, err := p.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(Key(p.prefix, sessionID)),
	}, s3.WithPresignExpires(p.ttl))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign recording: %w", err)
	}
	return req.URL, p.now().Add(p.ttl), nil
}
