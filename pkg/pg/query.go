package pg

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/jackc/pgx/v5"
)

const (
	// DefaultPort is the PostgreSQL listen port
	DefaultPort = 5432

	// DefaultConnectTimeout bounds a single probe connection
	DefaultConnectTimeout = 3 * time.Second

	applicationName = "pgwarden"
)

// ErrNoPosition is returned when the server has no WAL position to report,
// e.g. pg_last_wal_receive_lsn() on a standby that never connected upstream
var ErrNoPosition = errors.New("no WAL position reported")

// Credentials authenticate pgwarden against every node
type Credentials struct {
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

// Dialer opens pgx sessions and implements channel.Query
type Dialer struct {
	creds Credentials
}

var _ channel.Query = (*Dialer)(nil)

// NewDialer creates a Query Channel backed by pgx
func NewDialer(creds Credentials) *Dialer {
	return &Dialer{creds: creds}
}

// ConnString builds the connection URL for node. The password is escaped by
// net/url and the result must not be logged.
func (d *Dialer) ConnString(node *types.Node) string {
	port := node.Port
	if port == 0 {
		port = DefaultPort
	}
	database := d.creds.Database
	if database == "" {
		database = "postgres"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(node.Host, strconv.Itoa(port)),
		Path:   "/" + database,
	}
	if d.creds.Password != "" {
		u.User = url.UserPassword(d.creds.User, d.creds.Password)
	} else {
		u.User = url.User(d.creds.User)
	}

	q := url.Values{}
	q.Set("application_name", applicationName)
	if d.creds.SSLMode != "" {
		q.Set("sslmode", d.creds.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens a session to node, failing if the connection is not
// established within timeout
func (d *Dialer) Connect(ctx context.Context, node *types.Node, timeout time.Duration) (channel.Session, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	cfg, err := pgx.ParseConfig(d.ConnString(node))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection settings for %s: %w", node.Name, err)
	}
	cfg.ConnectTimeout = timeout

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := pgx.ConnectConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", node.Name, err)
	}
	return &Session{conn: conn}, nil
}

// Session is a single pgx connection
type Session struct {
	conn *pgx.Conn
}

// IsStandby reports whether the server is in recovery
func (s *Session) IsStandby(ctx context.Context) (bool, error) {
	var inRecovery bool
	if err := s.conn.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("failed to query recovery state: %w", err)
	}
	return inRecovery, nil
}

// CurrentPosition returns pg_current_wal_lsn(); it fails on a standby
func (s *Session) CurrentPosition(ctx context.Context) (types.Position, error) {
	return s.position(ctx, "SELECT pg_current_wal_lsn()::text")
}

// ReceivedPosition returns pg_last_wal_receive_lsn()
func (s *Session) ReceivedPosition(ctx context.Context) (types.Position, error) {
	return s.position(ctx, "SELECT pg_last_wal_receive_lsn()::text")
}

func (s *Session) position(ctx context.Context, sql string) (types.Position, error) {
	var lsn *string
	if err := s.conn.QueryRow(ctx, sql).Scan(&lsn); err != nil {
		return 0, fmt.Errorf("failed to query WAL position: %w", err)
	}
	if lsn == nil {
		return 0, ErrNoPosition
	}
	return types.ParsePosition(*lsn)
}

// Close closes the underlying connection
func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
