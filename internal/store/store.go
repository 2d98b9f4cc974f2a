// Package store persists chat turns in an append-only relational table.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"CourseChat/internal/session"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	// TableName is the append-only message table
	TableName = "message_store"

	DefaultSQLitePath = "chat_history.db"
)

// Options selects the database backing the store
type Options struct {
	Driver string
	DSN    string
}

// StorageError reports a failed persistence operation
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Column describes one column of a table
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes one table and its columns
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Store is the conversation store. It is safe for concurrent use except for Reset.
type Store struct {
	db      *sql.DB
	dialect dialect
	tracer  trace.Tracer
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = DriverSQLite
	}
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	dsn := opts.DSN
	if d.name() == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "ping", Err: err}
	}

	s := &Store{
		db:      db,
		dialect: d,
		tracer:  otel.Tracer("coursechat/store"),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN adds a busy timeout and WAL journaling unless the DSN carries
// its own parameters.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name
func (s *Store) Driver() string {
	return s.dialect.name()
}

func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return &StorageError{Op: op, Err: err}
}

// EnsureSchema creates the message table if it is absent. Existing data is untouched.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, span := s.start(ctx, "EnsureSchema")
	defer span.End()

	for _, stmt := range s.dialect.createStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fail(span, "ensure schema", err)
		}
	}
	return nil
}

// AppendTurn stores one immutable turn. The timestamp is assigned by the database.
func (s *Store) AppendTurn(ctx context.Context, sessionID string, role session.Role, content string) error {
	ctx, span := s.start(ctx, "AppendTurn",
		attribute.String("session.id", sessionID),
		attribute.String("turn.role", string(role)),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO message_store (session_id, message, type) VALUES (?, ?, ?)`),
		sessionID, content, string(role),
	)
	if err != nil {
		return fail(span, "append turn", err)
	}
	return nil
}

// GetTurns returns every turn of a session, oldest first. A session without
// turns yields an empty slice.
func (s *Store) GetTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	ctx, span := s.start(ctx, "GetTurns", attribute.String("session.id", sessionID))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT id, session_id, type, message, timestamp FROM message_store
			WHERE session_id = ? ORDER BY id`),
		sessionID,
	)
	if err != nil {
		return nil, fail(span, "get turns", err)
	}
	defer rows.Close()

	turns := []session.Turn{}
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fail(span, "scan turn", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, "get turns", err)
	}

	span.SetAttributes(attribute.Int("turn.count", len(turns)))
	return turns, nil
}

// FirstTurn returns the earliest turn of a session; ok is false when the session is empty.
func (s *Store) FirstTurn(ctx context.Context, sessionID string) (turn session.Turn, ok bool, err error) {
	ctx, span := s.start(ctx, "FirstTurn", attribute.String("session.id", sessionID))
	defer span.End()

	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT id, session_id, type, message, timestamp FROM message_store
			WHERE session_id = ? ORDER BY id LIMIT 1`),
		sessionID,
	)
	turn, err = scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Turn{}, false, nil
	}
	if err != nil {
		return session.Turn{}, false, fail(span, "first turn", err)
	}
	return turn, true, nil
}

// ListSessions returns the distinct session ids with at least one turn,
// ordered by first appearance. Callers wanting most-recent-first reverse it.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	ctx, span := s.start(ctx, "ListSessions")
	defer span.End()

	exists, err := s.tableExists(ctx)
	if err != nil {
		return nil, fail(span, "list sessions", err)
	}
	if !exists {
		return []string{}, nil
	}

	ids, err := queryStrings(ctx, s.db,
		`SELECT session_id FROM message_store GROUP BY session_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fail(span, "list sessions", err)
	}
	return ids, nil
}

func (s *Store) tableExists(ctx context.Context) (bool, error) {
	tables, err := s.dialect.listTables(ctx, s.db)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t == TableName {
			return true, nil
		}
	}
	return false, nil
}

// Reset drops the persisted tables and recreates an empty schema.
// It must not run while the store is serving other requests.
func (s *Store) Reset(ctx context.Context) error {
	ctx, span := s.start(ctx, "Reset")
	defer span.End()

	tables, err := s.dialect.resetTables(ctx, s.db)
	if err != nil {
		return fail(span, "reset", err)
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t)); err != nil {
			return fail(span, "drop "+t, err)
		}
	}
	if s.dialect.name() == DriverSQLite {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return fail(span, "vacuum", err)
		}
	}
	span.SetAttributes(attribute.Int("tables.dropped", len(tables)))

	return s.EnsureSchema(ctx)
}

// DescribeSchema lists each table with its column names and declared types.
func (s *Store) DescribeSchema(ctx context.Context) ([]Table, error) {
	ctx, span := s.start(ctx, "DescribeSchema")
	defer span.End()

	names, err := s.dialect.listTables(ctx, s.db)
	if err != nil {
		return nil, fail(span, "describe schema", err)
	}

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		cols, err := s.dialect.columns(ctx, s.db, name)
		if err != nil {
			return nil, fail(span, "describe "+name, err)
		}
		tables = append(tables, Table{Name: name, Columns: cols})
	}
	return tables, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(sc scanner) (session.Turn, error) {
	var (
		turn session.Turn
		kind string
		ts   sql.NullTime
	)
	if err := sc.Scan(&turn.ID, &turn.SessionID, &kind, &turn.Content, &ts); err != nil {
		return session.Turn{}, err
	}
	if role, err := session.ParseRole(kind); err == nil {
		turn.Role = role
	} else {
		turn.Role = session.Role(kind)
	}
	if ts.Valid {
		turn.Timestamp = ts.Time
	}
	return turn, nil
}
