package transport

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/shortontech/trackpipe/internal/dispatch"
	"github.com/shortontech/trackpipe/internal/event"
)

// PGConfig holds configuration for the Postgres sender
type PGConfig struct {
	DSN     string
	Table   string
	UseCopy bool
}

// PGSender writes each batch to a JSONB table inside one transaction, so a
// batch is stored entirely or not at all.
type PGSender struct {
	config PGConfig
	db     *sql.DB
	opts   options
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards the identifiers interpolated into DDL and DML.
func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// NewPGSenderFromEnv creates a PGSender from environment variables
func NewPGSenderFromEnv(opts ...Option) *PGSender {
	return &PGSender{
		config: PGConfig{
			DSN:     getEnvOr("PG_DSN", ""),
			Table:   getEnvOr("PG_TABLE", "events_json"),
			UseCopy: getBoolEnv("PG_COPY", true),
		},
		opts: buildOptions(opts),
	}
}

// NewPGSender creates a PGSender with the default table and COPY enabled.
func NewPGSender(dsn string, opts ...Option) *PGSender {
	return &PGSender{
		config: PGConfig{DSN: dsn, Table: "events_json", UseCopy: true},
		opts:   buildOptions(opts),
	}
}

func (s *PGSender) Name() string { return "postgres" }

func (s *PGSender) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *PGSender) ensureSchema(ctx context.Context) error {
	table := s.config.Table
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		payload JSONB NOT NULL
	)`, table)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", table, table),
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

type pgRow struct {
	eventID string
	payload []byte
}

func (s *PGSender) Send(ctx context.Context, b *dispatch.Batch) error {
	if s.db == nil {
		return errors.New("postgres sender not started")
	}
	envs, err := envelopes(b, s.opts.shape)
	if err != nil {
		return err
	}
	return s.SendEnvelopes(ctx, envs)
}

// SendEnvelopes writes envs in one transaction.
func (s *PGSender) SendEnvelopes(ctx context.Context, envs []event.Envelope) error {
	if s.db == nil {
		return errors.New("postgres sender not started")
	}
	var err error
	rows := make([]pgRow, 0, len(envs))
	for _, env := range envs {
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		rows = append(rows, pgRow{eventID: env.EventID, payload: payload})
	}
	if len(rows) == 0 {
		return nil
	}

	if s.config.UseCopy {
		err = s.writeWithCopy(ctx, rows)
	} else {
		err = s.writeWithInsert(ctx, rows)
	}
	return pgError(err)
}

func (s *PGSender) writeWithInsert(ctx context.Context, rows []pgRow) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (event_id, payload) VALUES ", s.config.Table)
	args := make([]any, 0, len(rows)*2)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, r.eventID, string(r.payload))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PGSender) writeWithCopy(ctx context.Context, rows []pgRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.config.Table, "event_id", "payload"))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.eventID, string(r.payload)); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		_ = tx.Rollback()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PGSender) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// retriablePGError marks connection-class and contention failures.
type retriablePGError struct {
	err error
}

func (e *retriablePGError) Error() string   { return e.err.Error() }
func (e *retriablePGError) Unwrap() error   { return e.err }
func (e *retriablePGError) Retryable() bool { return true }

// Error classes worth retrying: connection exception, transaction rollback
// (serialization failure, deadlock), insufficient resources, operator
// intervention (admin shutdown, cannot connect now).
var retriablePGClasses = map[pq.ErrorClass]bool{
	"08": true,
	"40": true,
	"53": true,
	"57": true,
}

func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return &retriablePGError{err: err}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && retriablePGClasses[pqErr.Code.Class()] {
		return &retriablePGError{err: err}
	}
	return err
}
