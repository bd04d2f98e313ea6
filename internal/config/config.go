package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Source Source
	Cache  Cache
	Worker Worker
	Waiter Waiter
	Server Server
	Log    Log
}

type Source struct {
	// Driver selects the source warehouse driver (see --source-driver).
	// Allowed values: pgx, sqlite3.
	Driver string

	// DSN is the source warehouse connection string (see --source-dsn).
	// When empty it is assembled from Host/Port/Database/User/Password.
	DSN string

	// Host, Port, Database, User, Password assemble a Postgres DSN when
	// DSN is not given (AUGUR_HOST and friends in the environment).
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// MaxInFlight bounds concurrent source queries (see --max-in-flight).
	// Must be >= 1.
	MaxInFlight int
}

type Cache struct {
	// Driver selects the cache database driver (see --cache-driver).
	// Allowed values: pgx, sqlite3. Defaults to the source driver.
	Driver string

	// DSN is the cache database connection string (see --cache-dsn).
	DSN string

	// TTL expires cached entries; 0 means entries never expire and are
	// only replaced by fresh collections (see --cache-ttl).
	TTL time.Duration
}

type Worker struct {
	// Count is the dispatcher worker pool size (see --workers). Must be >= 1.
	Count int

	// QueueSize is the pending-task queue capacity (see --queue-size).
	// Must be >= 1.
	QueueSize int

	// TaskTimeout bounds one task including retries (see --task-timeout).
	// Must be > 0.
	TaskTimeout time.Duration

	// MaxAttempts bounds populate attempts per task (see --max-attempts).
	// Must be >= 1.
	MaxAttempts int

	// RetryBaseDelay is the first retry delay; later delays double
	// (see --retry-base-delay). Must be > 0.
	RetryBaseDelay time.Duration
}

type Waiter struct {
	// PollInterval is the first readiness poll delay (see --poll-interval).
	PollInterval time.Duration

	// MaxPollInterval caps the readiness poll delay (see --max-poll-interval).
	MaxPollInterval time.Duration

	// Budget bounds one readiness wait; 0 defers to the request context
	// (see --wait-budget).
	Budget time.Duration
}

type Server struct {
	// Addr is the HTTP listen address (see --addr).
	Addr string
}

type Log struct {
	// Level is the minimum log level (see --log-level).
	// Allowed values: debug, info, warn, error.
	Level string
}

func New() *Config {
	return &Config{
		Source: Source{
			Driver:      "pgx",
			Port:        5432,
			MaxInFlight: 8,
		},
		Cache: Cache{
			Driver: "pgx",
		},
		Worker: Worker{
			Count:          4,
			QueueSize:      64,
			TaskTimeout:    45 * time.Minute,
			MaxAttempts:    5,
			RetryBaseDelay: 2 * time.Second,
		},
		Waiter: Waiter{
			PollInterval:    500 * time.Millisecond,
			MaxPollInterval: 8 * time.Second,
			Budget:          2 * time.Minute,
		},
		Server: Server{
			Addr: ":8080",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	c.Source.Driver = normalizeEnumValue(c.Source.Driver)
	if c.Source.Driver == "" {
		c.Source.Driver = "pgx"
	}
	if c.Source.Driver != "pgx" && c.Source.Driver != "sqlite3" {
		return fmt.Errorf("unsupported --source-driver: %s (must be one of: pgx, sqlite3)", c.Source.Driver)
	}

	if c.Source.DSN == "" {
		dsn, err := c.Source.assembleDSN()
		if err != nil {
			return err
		}
		c.Source.DSN = dsn
	}

	c.Cache.Driver = normalizeEnumValue(c.Cache.Driver)
	if c.Cache.Driver == "" {
		c.Cache.Driver = c.Source.Driver
	}
	if c.Cache.Driver != "pgx" && c.Cache.Driver != "sqlite3" {
		return fmt.Errorf("unsupported --cache-driver: %s (must be one of: pgx, sqlite3)", c.Cache.Driver)
	}
	if c.Cache.DSN == "" {
		return errors.New("--cache-dsn must be provided")
	}
	if c.Cache.TTL < 0 {
		return errors.New("--cache-ttl must be >= 0")
	}

	if c.Source.MaxInFlight <= 0 {
		return errors.New("--max-in-flight must be >= 1")
	}
	if c.Worker.Count <= 0 {
		return errors.New("--workers must be >= 1")
	}
	if c.Worker.QueueSize <= 0 {
		return errors.New("--queue-size must be >= 1")
	}
	if c.Worker.TaskTimeout <= 0 {
		return errors.New("--task-timeout must be > 0")
	}
	if c.Worker.MaxAttempts <= 0 {
		return errors.New("--max-attempts must be >= 1")
	}
	if c.Worker.RetryBaseDelay <= 0 {
		return errors.New("--retry-base-delay must be > 0")
	}

	if c.Waiter.PollInterval <= 0 {
		return errors.New("--poll-interval must be > 0")
	}
	if c.Waiter.MaxPollInterval < c.Waiter.PollInterval {
		return errors.New("--max-poll-interval must be >= --poll-interval")
	}
	if c.Waiter.Budget < 0 {
		return errors.New("--wait-budget must be >= 0")
	}

	if c.Server.Addr == "" {
		return errors.New("--addr must be provided")
	}

	c.Log.Level = normalizeEnumValue(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported --log-level: %s (must be one of: debug, info, warn, error)", c.Log.Level)
	}

	return nil
}

// assembleDSN builds a Postgres connection string from the discrete
// AUGUR_* style fields.
func (s Source) assembleDSN() (string, error) {
	if s.Driver != "pgx" {
		return "", errors.New("--source-dsn must be provided for the sqlite3 driver")
	}
	if s.Host == "" || s.Database == "" || s.User == "" {
		return "", errors.New("source connection requires either --source-dsn or host, database, and user")
	}
	port := s.Port
	if port == 0 {
		port = 5432
	}
	if s.Password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", s.User, s.Password, s.Host, port, s.Database), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", s.User, s.Host, port, s.Database), nil
}

func normalizeEnumValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
