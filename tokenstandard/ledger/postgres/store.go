// Package postgres persists the ledger in PostgreSQL. Units of work read
// committed rows from the primary and are validated at commit with
// SELECT ... FOR UPDATE; concurrent key creation is caught by a partial
// unique index over active contracts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-tokenstandard/tokenstandard"
	constant "github.com/LerianStudio/lib-tokenstandard/tokenstandard/constants"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/ledger"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/log"
	"github.com/LerianStudio/lib-tokenstandard/tokenstandard/opentelemetry"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
)

const (
	contractColumns = "id, template, COALESCE(contract_key, ''), payload, created_at"

	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// ErrConnectionRequired is returned when no connection is given.
var ErrConnectionRequired = errors.New("ledger postgres: connection is required")

// PrimaryProvider yields the primary database pool.
type PrimaryProvider interface {
	Primary(ctx context.Context) (*sql.DB, error)
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock read at the start of each unit of work.
func WithClock(clock ledger.Clock) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger used for commit diagnostics.
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store is a ledger.Store over the contracts and outbox_events tables.
type Store struct {
	conn   PrimaryProvider
	clock  ledger.Clock
	logger log.Logger
}

// NewStore returns a Store reading and writing through conn.
func NewStore(conn PrimaryProvider, opts ...Option) (*Store, error) {
	if conn == nil {
		return nil, ErrConnectionRequired
	}

	s := &Store{conn: conn, clock: ledger.SystemClock, logger: log.NewNop()}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Atomically implements ledger.Store.
func (s *Store) Atomically(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	_, tracer, _, _ := tokenstandard.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "ledger.postgres.atomically")
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrDBSystem, constant.DBSystemPostgreSQL))

	db, err := s.conn.Primary(ctx)
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to get database connection", err)
		return err
	}

	buf := ledger.NewBuffer(s.clock.Now(), reader{db: db})

	if err := fn(ctx, buf); err != nil {
		buf.Close()
		return err
	}

	ws := buf.Close()

	if err := s.commit(ctx, db, ws); err != nil {
		if ledger.IsStale(err) {
			s.logger.Log(ctx, log.LevelDebug, "unit of work rejected", log.Err(err))
		} else {
			s.logger.Log(ctx, log.LevelError, "failed to commit unit of work", log.Err(err))
		}

		opentelemetry.HandleSpanError(span, "commit failed", err)

		return err
	}

	return nil
}

func (s *Store) commit(ctx context.Context, db *sql.DB, ws ledger.WorkSet) (err error) {
	if ws.Empty() {
		return nil
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("ledger postgres: begin: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = validateReads(ctx, tx, ws.Reads); err != nil {
		return classify(err)
	}

	if err = validateKeys(ctx, tx, ws.KeyReads); err != nil {
		return classify(err)
	}

	now := s.clock.Now()

	for _, id := range ws.Archived {
		res, execErr := tx.ExecContext(ctx,
			"UPDATE contracts SET archived_at = $2 WHERE id = $1 AND archived_at IS NULL", string(id), now)
		if execErr != nil {
			return classify(execErr)
		}

		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s was archived concurrently", ledger.ErrContention, id)
		}
	}

	for _, c := range ws.Created {
		var key any
		if c.Key != "" {
			key = c.Key
		}

		if _, err = tx.ExecContext(ctx,
			"INSERT INTO contracts (id, template, contract_key, payload, created_at) VALUES ($1, $2, $3, $4, $5)",
			string(c.ID), string(c.Template), key, []byte(c.Payload), c.CreatedAt); err != nil {
			return classify(err)
		}
	}

	for _, ev := range ws.Events {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO outbox_events (id, event_type, aggregate_id, payload, status, attempts, last_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, 'PENDING', 0, '', $5, $5)`,
			ev.ID, ev.EventType, ev.AggregateID, []byte(ev.Payload), ev.CreatedAt); err != nil {
			return classify(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(err)
	}

	return nil
}

func validateReads(ctx context.Context, tx *sql.Tx, ids []ledger.ContractID) error {
	if len(ids) == 0 {
		return nil
	}

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}

	var locked int

	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM (
		SELECT id FROM contracts WHERE id = ANY($1) AND archived_at IS NULL ORDER BY id FOR UPDATE
	) AS active`, raw)
	if err := row.Scan(&locked); err != nil {
		return fmt.Errorf("ledger postgres: validate reads: %w", err)
	}

	if locked != len(ids) {
		return fmt.Errorf("%w: %d of %d read contracts were archived concurrently", ledger.ErrContention, len(ids)-locked, len(ids))
	}

	return nil
}

func validateKeys(ctx context.Context, tx *sql.Tx, keys map[ledger.KeyRef]ledger.ContractID) error {
	for ref, seen := range keys {
		var current string

		err := tx.QueryRowContext(ctx,
			"SELECT id FROM contracts WHERE template = $1 AND contract_key = $2 AND archived_at IS NULL FOR UPDATE",
			string(ref.Template), ref.Key).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("ledger postgres: validate key: %w", err)
		}

		if ledger.ContractID(current) != seen {
			return fmt.Errorf("%w: key %s/%s changed concurrently", ledger.ErrContention, ref.Template, ref.Key)
		}
	}

	return nil
}

// classify maps write conflicts reported by PostgreSQL to ErrContention.
func classify(err error) error {
	if err == nil || ledger.IsStale(err) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ledger.ErrContention, err)
		}
	}

	return fmt.Errorf("ledger postgres: commit: %w", err)
}

type reader struct {
	db *sql.DB
}

func (r reader) Get(ctx context.Context, id ledger.ContractID) (ledger.Contract, bool, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE id = $1 AND archived_at IS NULL", string(id))

	c, err := scanContract(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Contract{}, false, nil
	}

	if err != nil {
		return ledger.Contract{}, false, fmt.Errorf("ledger postgres: fetch %s: %w", id, err)
	}

	return c, true, nil
}

func (r reader) Lookup(ctx context.Context, ref ledger.KeyRef) (ledger.ContractID, error) {
	var id string

	err := r.db.QueryRowContext(ctx,
		"SELECT id FROM contracts WHERE template = $1 AND contract_key = $2 AND archived_at IS NULL",
		string(ref.Template), ref.Key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("ledger postgres: lookup %s/%s: %w", ref.Template, ref.Key, err)
	}

	return ledger.ContractID(id), nil
}

func (r reader) Scan(ctx context.Context, template ledger.TemplateID) ([]ledger.Contract, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+contractColumns+" FROM contracts WHERE template = $1 AND archived_at IS NULL ORDER BY created_at, id",
		string(template))
	if err != nil {
		return nil, fmt.Errorf("ledger postgres: scan %s: %w", template, err)
	}
	defer rows.Close()

	var out []ledger.Contract

	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger postgres: scan %s: %w", template, err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContract(row scanner) (ledger.Contract, error) {
	var (
		id, template, key string
		payload           []byte
		createdAt         time.Time
	)

	if err := row.Scan(&id, &template, &key, &payload, &createdAt); err != nil {
		return ledger.Contract{}, err
	}

	return ledger.Contract{
		ID:        ledger.ContractID(id),
		Template:  ledger.TemplateID(template),
		Key:       key,
		Payload:   json.RawMessage(payload),
		CreatedAt: createdAt.UTC(),
	}, nil
}
