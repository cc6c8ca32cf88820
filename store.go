package farmsync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/farmsync/internal/logging"
	"github.com/hyperengineering/farmsync/internal/store/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schemaVersion = "2"

// Every connection gets these pragmas. synchronous=FULL makes a committed
// transaction durable before the call returns.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(FULL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

// Store manages the local SQLite registration database.
// All writes are serialised through a single connection.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for store diagnostics.
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logging.OrNop(l)
	}
}

// WithStoreClock overrides the time source. Used by tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore opens or creates a local store at path.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		path:   path,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func dsn(path string) string {
	params := make([]string, len(sqlitePragmas))
	for i, p := range sqlitePragmas {
		params[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(params, "&")
}

func (s *Store) migrate() error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// CreateRecord persists a new pending record and returns its temporary ID.
// The record and its ledger entry are committed in one transaction.
func (s *Store) CreateRecord(ctx context.Context, payload json.RawMessage) (string, error) {
	if !isObject(payload) {
		return "", ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	tempID := ulid.Make().String()
	now := s.now()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (temp_id, payload, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
		`, tempID, string(payload), string(StatusPending), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("store: insert record: %w", err)
		}
		return appendLedger(ctx, tx, tempID, EventCreated, "", now)
	})
	if err != nil {
		return "", err
	}

	return tempID, nil
}

// AttachChild persists a child record under parentTempID and bumps the
// parent's revision. A failed parent returns to pending so the child is
// submitted on the next cycle.
// Returns *ForeignKeyError if the parent does not exist and ErrInvalidTransition
// if it is already synced; nothing is written in either case.
func (s *Store) AttachChild(ctx context.Context, parentTempID string, kind ChildKind, payload json.RawMessage) (*Child, error) {
	if !kind.IsValid() {
		return nil, ErrInvalidChildKind
	}
	if !isObject(payload) {
		return nil, ErrInvalidPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	child := &Child{
		ID:           ulid.Make().String(),
		ParentTempID: parentTempID,
		Kind:         kind,
		Payload:      payload,
		CreatedAt:    s.now(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE temp_id = ?`, parentTempID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return &ForeignKeyError{ParentTempID: parentTempID}
		}
		if err != nil {
			return fmt.Errorf("store: check parent: %w", err)
		}
		if SyncStatus(status) == StatusSynced {
			return fmt.Errorf("%w: %s is synced", ErrInvalidTransition, parentTempID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO record_children (id, parent_temp_id, kind, payload, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, child.ID, parentTempID, string(kind), string(payload), formatTime(child.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: insert child: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE records SET revision = revision + 1, status = ?, updated_at = ?
			WHERE temp_id = ?
		`, string(StatusPending), formatTime(child.CreatedAt), parentTempID)
		if err != nil {
			return fmt.Errorf("store: bump revision: %w", err)
		}
		return appendLedger(ctx, tx, parentTempID, EventChildAttached, string(kind)+":"+child.ID, child.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	return child, nil
}

// Get retrieves a record by temporary ID.
func (s *Store) Get(ctx context.Context, tempID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return getRecord(ctx, s.db, tempID)
}

// ListPending returns all pending records in creation order.
func (s *Store) ListPending(ctx context.Context) ([]Record, error) {
	return s.listRecords(ctx, `WHERE status = ? ORDER BY seq`, string(StatusPending))
}

// ListFailed returns all failed records in creation order.
func (s *Store) ListFailed(ctx context.Context) ([]Record, error) {
	return s.listRecords(ctx, `WHERE status = ? ORDER BY seq`, string(StatusFailed))
}

// RetryQuery selects the records a sync cycle may submit.
type RetryQuery struct {
	// IncludeFailed adds failed records to the pending set.
	IncludeFailed bool
	// MaxAttempts excludes failed records that were rejected this many times. Zero means no ceiling.
	MaxAttempts int
	// Limit caps the number of records returned. Zero means no limit.
	Limit int
}

func (q RetryQuery) where() (string, []any) {
	if !q.IncludeFailed {
		return `WHERE status = ?`, []any{string(StatusPending)}
	}
	if q.MaxAttempts <= 0 {
		return `WHERE status IN (?, ?)`, []any{string(StatusPending), string(StatusFailed)}
	}
	return `WHERE status = ? OR (status = ? AND attempts < ?)`,
		[]any{string(StatusPending), string(StatusFailed), q.MaxAttempts}
}

// ListRetryable returns records eligible for submission in creation order.
func (s *Store) ListRetryable(ctx context.Context, q RetryQuery) ([]Record, error) {
	where, args := q.where()
	clause := where + ` ORDER BY seq`
	if q.Limit > 0 {
		clause += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.listRecords(ctx, clause, args...)
}

// CountRetryable counts records eligible for submission, ignoring Limit.
func (s *Store) CountRetryable(ctx context.Context, q RetryQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	where, args := q.where()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count retryable: %w", err)
	}
	return n, nil
}

func (s *Store) listRecords(ctx context.Context, clause string, args ...any) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT temp_id, permanent_id, payload, status, last_error, attempts, revision, created_at, updated_at, synced_at
		FROM records `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}

	return results, rows.Err()
}

// Children returns the children of a record in attach order.
func (s *Store) Children(ctx context.Context, tempID string) ([]Child, error) {
	byParent, err := s.ChildrenFor(ctx, []string{tempID})
	if err != nil {
		return nil, err
	}
	return byParent[tempID], nil
}

// ChildrenFor returns the children of several records keyed by parent temporary ID.
func (s *Store) ChildrenFor(ctx context.Context, tempIDs []string) (map[string][]Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make(map[string][]Child, len(tempIDs))
	if len(tempIDs) == 0 {
		return result, nil
	}

	placeholders := make([]string, len(tempIDs))
	args := make([]any, len(tempIDs))
	for i, id := range tempIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, parent_temp_id, kind, payload, created_at
		FROM record_children WHERE parent_temp_id IN (%s) ORDER BY seq
	`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list children: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c         Child
			kind      string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.ParentTempID, &kind, &payload, &createdAt); err != nil {
			return nil, err
		}
		c.Kind = ChildKind(kind)
		c.Payload = json.RawMessage(payload)
		c.CreatedAt = parseTime(createdAt)
		result[c.ParentTempID] = append(result[c.ParentTempID], c)
	}

	return result, rows.Err()
}

// MarkSynced binds permanentID to the record and sets it synced, atomically.
// Binding the same ID again is a no-op. Binding a different ID to a record
// that already has one returns *ConflictError and leaves the record untouched.
func (s *Store) MarkSynced(ctx context.Context, tempID, permanentID string) error {
	return s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		next, err := r.Promote(permanentID, now)
		return next, EventSynced, permanentID, s.logConflict(err)
	})
}

// MarkSyncedAt is MarkSynced for an acceptance of the given revision.
// If the record was edited after that revision was collected, permanentID is
// bound but the record stays pending so the edit goes out on the next cycle.
// stale reports that case.
func (s *Store) MarkSyncedAt(ctx context.Context, tempID, permanentID string, revision int64) (stale bool, err error) {
	err = s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		stale = r.Status != StatusSynced && r.Revision != revision
		if stale {
			next, err := r.Bind(permanentID, now)
			return next, EventSuperseded, "accepted as " + permanentID, s.logConflict(err)
		}
		next, err := r.Promote(permanentID, now)
		return next, EventSynced, permanentID, s.logConflict(err)
	})
	return stale && err == nil, err
}

// MarkFailed sets the record failed and keeps reason. The payload is never touched.
func (s *Store) MarkFailed(ctx context.Context, tempID, reason string) error {
	return s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		next, err := r.Fail(reason, now)
		return next, EventFailed, reason, err
	})
}

// MarkFailedAt is MarkFailed for a rejection of the given revision.
// A record edited since keeps its status and attempt count; only the reason
// is kept as LastError.
func (s *Store) MarkFailedAt(ctx context.Context, tempID, reason string, revision int64) (stale bool, err error) {
	err = s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		stale = r.Status != StatusSynced && r.Revision != revision
		if stale {
			next := r
			next.LastError = reason
			next.UpdatedAt = now
			return next, EventSuperseded, reason, nil
		}
		next, err := r.Fail(reason, now)
		return next, EventFailed, reason, err
	})
	return stale && err == nil, err
}

func (s *Store) logConflict(err error) error {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		s.logger.Error("permanent id conflict",
			zap.String("temp_id", conflict.TempID),
			zap.String("existing", conflict.Existing),
			zap.String("attempted", conflict.Attempted),
		)
	}
	return err
}

// Requeue moves a failed record back to pending.
func (s *Store) Requeue(ctx context.Context, tempID string) error {
	return s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		next, err := r.Requeue(now)
		return next, EventRequeued, "", err
	})
}

// RequeueFailed moves every failed record back to pending and returns how many moved.
func (s *Store) RequeueFailed(ctx context.Context) (int, error) {
	failed, err := s.ListFailed(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range failed {
		if err := s.Requeue(ctx, r.TempID); err != nil {
			return 0, err
		}
	}
	return len(failed), nil
}

// UpdatePayload replaces the payload of a record that has not been synced yet
// and bumps its revision when the payload changes.
// A failed record returns to pending so the edit is submitted on the next cycle.
func (s *Store) UpdatePayload(ctx context.Context, tempID string, payload json.RawMessage) error {
	if !isObject(payload) {
		return ErrInvalidPayload
	}
	return s.transition(ctx, tempID, func(r Record, now time.Time) (Record, LedgerEvent, string, error) {
		next, err := r.Requeue(now)
		if err != nil {
			return r, EventUpdated, "", err
		}
		if !bytes.Equal(r.Payload, payload) {
			next.Payload = payload
			next.Revision = r.Revision + 1
			next.UpdatedAt = now
		}
		return next, EventUpdated, "", nil
	})
}

type transitionFunc func(r Record, now time.Time) (next Record, event LedgerEvent, detail string, err error)

// transition loads a record, applies fn and persists the result with a ledger
// entry in a single transaction. Unchanged records are not rewritten.
func (s *Store) transition(ctx context.Context, tempID string, fn transitionFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRecord(ctx, tx, tempID)
		if err != nil {
			return err
		}

		now := s.now()
		next, event, detail, err := fn(*current, now)
		if err != nil {
			return err
		}
		if next.sameState(*current) {
			return nil
		}

		var syncedAt *string
		if next.SyncedAt != nil {
			ts := formatTime(*next.SyncedAt)
			syncedAt = &ts
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE records
			SET permanent_id = ?, payload = ?, status = ?, last_error = ?, attempts = ?, revision = ?, updated_at = ?, synced_at = ?
			WHERE temp_id = ?
		`,
			nullString(next.PermanentID),
			string(next.Payload),
			string(next.Status),
			nullString(next.LastError),
			next.Attempts,
			next.Revision,
			formatTime(next.UpdatedAt),
			syncedAt,
			tempID,
		)
		if err != nil {
			return fmt.Errorf("store: update record: %w", err)
		}

		return appendLedger(ctx, tx, tempID, event, detail, now)
	})
}

// Ledger returns the change history of a record, oldest first.
func (s *Store) Ledger(ctx context.Context, tempID string) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, temp_id, event, detail, recorded_at
		FROM sync_ledger WHERE temp_id = ? ORDER BY seq
	`, tempID)
	if err != nil {
		return nil, fmt.Errorf("store: read ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e          LedgerEntry
			event      string
			detail     sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&e.Sequence, &e.TempID, &event, &detail, &recordedAt); err != nil {
			return nil, err
		}
		e.Event = LedgerEvent(event)
		e.Detail = detail.String
		e.RecordedAt = parseTime(recordedAt)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// Stats returns aggregate counts. It has no side effects.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{SchemaVersion: schemaVersion}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'synced' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM records
	`).Scan(&stats.Total, &stats.PendingCount, &stats.SyncedCount, &stats.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("store: count records: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_children`).Scan(&stats.ChildCount); err != nil {
		return nil, fmt.Errorf("store: count children: %w", err)
	}

	var lastSync sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'last_sync'`).Scan(&lastSync)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: read last_sync: %w", err)
	}
	if lastSync.Valid {
		stats.LastSync = parseTime(lastSync.String)
	}

	return stats, nil
}

// GetMetadata returns a metadata value, or "" if the key is unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func appendLedger(ctx context.Context, tx *sql.Tx, tempID string, event LedgerEvent, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_ledger (temp_id, event, detail, recorded_at)
		VALUES (?, ?, ?, ?)
	`, tempID, string(event), nullString(detail), formatTime(at))
	if err != nil {
		return fmt.Errorf("store: append ledger: %w", err)
	}
	return nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, tempID string) (*Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT temp_id, permanent_id, payload, status, last_error, attempts, revision, created_at, updated_at, synced_at
		FROM records WHERE temp_id = ?
	`, tempID)
	return scanRecord(row)
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single record row. Returns ErrNotFound only for sql.ErrNoRows.
func scanRecord(sc scanner) (*Record, error) {
	var (
		r           Record
		permanentID sql.NullString
		payload     string
		status      string
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
		syncedAt    sql.NullString
	)

	err := sc.Scan(&r.TempID, &permanentID, &payload, &status, &lastError, &r.Attempts, &r.Revision, &createdAt, &updatedAt, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.PermanentID = permanentID.String
	r.Payload = json.RawMessage(payload)
	r.Status = SyncStatus(status)
	r.LastError = lastError.String
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if syncedAt.Valid {
		t := parseTime(syncedAt.String)
		r.SyncedAt = &t
	}

	return &r, nil
}

// sameState reports whether two versions of a record would persist identically.
func (r Record) sameState(o Record) bool {
	return r.Status == o.Status &&
		r.PermanentID == o.PermanentID &&
		r.LastError == o.LastError &&
		r.Attempts == o.Attempts &&
		r.Revision == o.Revision &&
		bytes.Equal(r.Payload, o.Payload)
}

func isObject(payload json.RawMessage) bool {
	return gjson.ValidBytes(payload) && gjson.ParseBytes(payload).IsObject()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
