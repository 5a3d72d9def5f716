// Package secrets reads deployment secrets from a mounted secrets directory.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// DefaultDir is where container runtimes mount secret files.
const DefaultDir = "/run/secrets"

// sealedSuffix marks a secret file encrypted to an age recipient.
const sealedSuffix = ".age"

// Secret names read by testroom.
const (
	AWSRegion          = "AWS_REGION"
	AWSAccessKeyID     = "AWS_ACCESS_KEY_ID"
	AWSSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	InstanceType       = "INSTANCE_TYPE"
	KeyName            = "KEY_NAME"
	SecurityGroup      = "SECURITY_GROUP"
	DBUser             = "DB_USER"
	DBPassword         = "postgres_password"
	DBName             = "DB_NAME"
	DBHost             = "DB_HOST"
	BrokerUsername     = "GUACAMOLE_USERNAME"
	BrokerPassword     = "GUACAMOLE_PASSWORD"
	BrokerServer       = "GUACAMOLE_SERVER"
	WindowsKey         = "windows_key"
	LinuxKey           = "linux_key"
	EncryptionKey      = "RDP_ENCRYPTION_KEY"
	AdminToken         = "ADMIN_TOKEN"
	RecordingBucket    = "S3_BUCKET"
)

// Store is a filesystem-backed key-value lookup. A missing secret is never
// an error: Get returns the caller's default instead.
type Store struct {
	dir      string
	identity age.Identity
}

// NewStore returns a Store rooted at dir. An empty dir means DefaultDir.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

// WithIdentity enables reading NAME.age files sealed to the given age
// identity string ("AGE-SECRET-KEY-1...").
func (s *Store) WithIdentity(identity string) (*Store, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Store{dir: s.dir, identity: id}, nil
}

// Dir returns the directory secrets are read from.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the trimmed contents of the named secret, or def when the
// secret is absent, empty or unreadable. Plain files win over sealed ones.
func (s *Store) Get(name, def string) string {
	value, err := s.Lookup(name)
	if err != nil || value == "" {
		return def
	}
	return value
}

// Lookup is Get without a default. It returns os.ErrNotExist when neither
// NAME nor NAME.age exists.
func (s *Store) Lookup(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err == nil {
		return string(bytes.TrimSpace(data)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}

	if s.identity == nil {
		return "", err
	}

	sealed, err := os.ReadFile(filepath.Join(s.dir, name+sealedSuffix))
	if err != nil {
		return "", err
	}
	plain, err := s.open(sealed)
	if err != nil {
		return "", fmt.Errorf("unsealing secret %s: %w", name, err)
	}
	return string(bytes.TrimSpace(plain)), nil
}

func (s *Store) open(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}
