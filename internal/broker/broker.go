// Package broker registers remote-access connections with an Apache
// Guacamole broker by writing to its PostgreSQL store, and mints API tokens
// for the browser client.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/go-logr/logr"
	_ "github.com/lib/pq"

	"github.com/testroom-dev/testroom/internal/credential"
)

var (
	// ErrRegistration is returned when a connection could not be written.
	// Nothing is left behind when it is returned.
	ErrRegistration = errors.New("broker: registration failed")
	// ErrAuth is returned when the broker API rejects or cannot be reached.
	ErrAuth = errors.New("broker: authentication failed")
	// ErrTunnel is returned when the broker refuses to open a tunnel.
	ErrTunnel = errors.New("broker: tunnel failed")
)

// DefaultRecordingPath is where guacd writes session recordings.
const DefaultRecordingPath = "/prserver/recordings"

// DBConfig addresses the broker's PostgreSQL database.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN renders a postgres:// URL for lib/pq.
func (c DBConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

// Store writes connections into the guacamole_connection tables.
type Store struct {
	db            *sql.DB
	recordingPath string
}

// Open connects to the broker database.
func Open(cfg DBConfig, recordingPath string) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open broker database: %w", err)
	}
	return NewStore(db, recordingPath), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB, recordingPath string) *Store {
	if recordingPath == "" {
		recordingPath = DefaultRecordingPath
	}
	return &Store{db: db, recordingPath: recordingPath}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RegisterInput describes a connection to register.
type RegisterInput struct {
	InstanceID string
	Protocol   string // "rdp" or "ssh"
	Port       int
	Credential credential.Credential
	SessionID  string
}

// ConnectionName is the deterministic broker-side name for an instance.
func ConnectionName(instanceID string) string {
	return "Instance " + instanceID
}

// RecordingName is the file name guacd records the session to.
func RecordingName(sessionID string) string {
	return "testid-" + sessionID
}

// Register inserts one connection row and all its parameters in a single
// transaction and returns the broker-assigned id. Any failure rolls back
// the whole unit.
func (s *Store) Register(ctx context.Context, in RegisterInput) (id int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", ErrRegistration, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO guacamole_connection (connection_name, protocol)
		 VALUES ($1, $2) RETURNING connection_id`,
		ConnectionName(in.InstanceID), in.Protocol,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: insert connection: %w", ErrRegistration, err)
	}

	for _, p := range s.parameters(in) {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO guacamole_connection_parameter (connection_id, parameter_name, parameter_value)
			 VALUES ($1, $2, $3)`,
			id, p.name, p.value,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: insert parameter %s: %w", ErrRegistration, p.name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", ErrRegistration, err)
	}

	logr.FromContextOrDiscard(ctx).Info("registered broker connection",
		"connectionID", id, "instanceID", in.InstanceID, "protocol", in.Protocol)
	return id, nil
}

type parameter struct {
	name  string
	value string
}

func (s *Store) parameters(in RegisterInput) []parameter {
	params := []parameter{
		{"hostname", in.Credential.Address},
		{"port", strconv.Itoa(in.Port)},
		{"username", in.Credential.Username},
	}
	if in.Credential.HasPassword() {
		params = append(params, parameter{"password", in.Credential.Secret})
	} else {
		params = append(params, parameter{"private-key", string(in.Credential.PrivateKey)})
	}
	params = append(params,
		parameter{"security", "any"},
		parameter{"ignore-cert", "true"},
		parameter{"enable-recording", "true"},
		parameter{"recording-path", s.recordingPath},
		parameter{"recording-name", RecordingName(in.SessionID)},
		parameter{"create-recording-path", "true"},
	)
	return params
}

// Deregister removes the connection registered for instanceID. A missing
// connection is not an error.
func (s *Store) Deregister(ctx context.Context, instanceID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deregister: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT connection_id FROM guacamole_connection WHERE connection_name = $1`,
		ConnectionName(instanceID),
	)
	if err != nil {
		return fmt.Errorf("lookup connection: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan connection id: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterate connections: %w", err)
	}

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `DELETE FROM guacamole_connection_parameter WHERE connection_id = $1`, id); err != nil {
			return fmt.Errorf("delete parameters for %d: %w", id, err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM guacamole_connection WHERE connection_id = $1`, id); err != nil {
			return fmt.Errorf("delete connection %d: %w", id, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit deregister: %w", err)
	}

	if len(ids) > 0 {
		logr.FromContextOrDiscard(ctx).Info("deregistered broker connection", "instanceID", instanceID, "connections", ids)
	}
	return nil
}
