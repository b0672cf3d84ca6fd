package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNotConnected is returned when the client has no open connection.
	ErrNotConnected = errors.New("postgres: not connected")
	// ErrNoPrimaryDB is returned when the resolver carries no primary database.
	ErrNoPrimaryDB = errors.New("postgres: no primary database configured")
	// ErrPrimaryDSNRequired is returned when Config has no primary DSN.
	ErrPrimaryDSNRequired = errors.New("postgres: primary connection string is required")

	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicaDB),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)

		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = runMigrations

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the databases. An empty replica DSN reuses the primary.
type Config struct {
	PrimaryDSN     string
	ReplicaDSN     string
	DatabaseName   string
	MigrationsPath string
	SkipMigrations bool
	MaxOpenConns   int
	MaxIdleConns   int
	Logger         log.Logger
}

// Client is a lazily connected hub over a primary and a replica database.
type Client struct {
	cfg          Config
	logger       log.Logger
	connectionDB dbresolver.DB
	primary      *sql.DB
	mu           sync.RWMutex
}

// New returns an unconnected client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}

	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}

	if strings.TrimSpace(cfg.ReplicaDSN) == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	return &Client{cfg: cfg, logger: cfg.Logger}
}

// Connect opens both pools, applies migrations and pings the resolver.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.PrimaryDSN) == "" {
		return ErrPrimaryDSNRequired
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.connectionDB != nil {
		if err := c.closeLocked(); err != nil {
			c.logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	dbPrimary, err := c.open(ctx, "primary", c.cfg.PrimaryDSN)
	if err != nil {
		return err
	}

	var success bool

	defer func() {
		if !success {
			dbPrimary.Close()
		}
	}()

	dbReplica, err := c.open(ctx, "replica", c.cfg.ReplicaDSN)
	if err != nil {
		return err
	}

	defer func() {
		if !success {
			dbReplica.Close()
		}
	}()

	connectionDB, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if !c.cfg.SkipMigrations {
		if err := runMigrationsFn(ctx, dbPrimary, c.cfg.MigrationsPath, c.cfg.DatabaseName, c.logger); err != nil {
			return err
		}
	}

	if err := connectionDB.PingContext(ctx); err != nil {
		c.logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeSensitiveError(err)))
		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	c.connectionDB = connectionDB
	c.primary = dbPrimary
	success = true

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(ctx context.Context, role, dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.logger.Log(ctx, log.LevelError, "failed to open database", log.String("role", role), log.String("error", sanitized))

		return nil, fmt.Errorf("failed to connect to %s database: %s", role, sanitized)
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Resolver returns the read/write resolver, connecting on first use.
//
//nolint:ireturn
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.connectionDB != nil {
		db := c.connectionDB
		c.mu.RUnlock()

		return db, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectionDB != nil {
		return c.connectionDB, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.connectionDB, nil
}

// Primary returns the primary pool. Optimistic validation must read from it.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolved, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolved.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNoPrimaryDB
	}

	return primaries[0], nil
}

// Close releases both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.connectionDB == nil {
		return nil
	}

	err := c.connectionDB.Close()
	c.connectionDB = nil
	c.primary = nil

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connectionDB != nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q", name)
	}

	return nil
}

func newMigrate(dbPrimary *sql.DB, migrationsPath, dbName string) (*migrate.Migrate, error) {
	driver, err := migratepg.WithInstance(dbPrimary, &migratepg.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	if migrationsPath == "" {
		source, err := iofs.New(embeddedMigrations, "migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}

		return migrate.NewWithInstance("iofs", source, dbName, driver)
	}

	path, err := sanitizePath(migrationsPath)
	if err != nil {
		return nil, err
	}

	sourceURL := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}

	return migrate.NewWithDatabaseInstance(sourceURL.String(), dbName, driver)
}

func runMigrations(ctx context.Context, dbPrimary *sql.DB, migrationsPath, dbName string, logger log.Logger) error {
	if err := validateDBName(dbName); err != nil {
		logger.Log(ctx, log.LevelError, "invalid primary database name", log.Err(err))
		return err
	}

	m, err := newMigrate(dbPrimary, migrationsPath, dbName)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to prepare migrations", log.Err(err))
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")
			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")
			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			logger.Log(ctx, log.LevelError, "migration failed with dirty version", log.Int("version", dirtyErr.Version))
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		logger.Log(ctx, log.LevelError, "migration failed", log.Err(err))

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}
