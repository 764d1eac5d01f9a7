package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openstrato/openstrato/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore on a local SQLite file. WAL
// mode plus immediate transactions give crash safety: every record write
// is durable before the call returns.
type SQLiteStore struct {
	db             *sql.DB
	path           string
	staleThreshold time.Duration
}

var _ engine.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.StaleLockThreshold == 0 {
		cfg.StaleLockThreshold = DefaultStaleLockThreshold
	}
	return &SQLiteStore{
		path:           cfg.Path,
		staleThreshold: cfg.StaleLockThreshold,
	}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// migrate runs the embedded schema migrations.
func (s *SQLiteStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy and the file
// passes SQLite's integrity check.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		pe := engine.NewInternalError(fmt.Sprintf("state database failed integrity check: %s", result), nil)
		pe.Code = engine.ErrCodeStateCorrupt
		return pe
	}
	return nil
}

// GetRecord implements engine.StateStore.
func (s *SQLiteStore) GetRecord(ctx context.Context, key string) (*engine.StateRecord, error) {
	query := `
		SELECT module, resource, kind, backend, descriptor_hash, properties, resource_ids, outputs, applied_at, run_id
		FROM state_records
		WHERE key = ?
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListRecords implements engine.StateStore.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*engine.StateRecord, error) {
	query := `
		SELECT module, resource, kind, backend, descriptor_hash, properties, resource_ids, outputs, applied_at, run_id
		FROM state_records
		ORDER BY key ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list state records: %w", err)
	}
	defer rows.Close()

	records := []*engine.StateRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state records: %w", err)
	}
	return records, nil
}

// SaveRecord implements engine.StateStore.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *engine.StateRecord) error {
	properties, err := json.Marshal(rec.Properties)
	if err != nil {
		return fmt.Errorf("failed to encode properties: %w", err)
	}
	resourceIDs, err := json.Marshal(rec.ResourceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode resource ids: %w", err)
	}
	outputs, err := rec.Outputs.EncodeRaw()
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	query := `
		INSERT INTO state_records (
			key, module, resource, kind, backend, descriptor_hash,
			properties, resource_ids, outputs, applied_at, run_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			backend = excluded.backend,
			descriptor_hash = excluded.descriptor_hash,
			properties = excluded.properties,
			resource_ids = excluded.resource_ids,
			outputs = excluded.outputs,
			applied_at = excluded.applied_at,
			run_id = excluded.run_id,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.Key(),
		rec.Module,
		rec.Resource,
		string(rec.Kind),
		string(rec.Backend),
		rec.DescriptorHash,
		string(properties),
		string(resourceIDs),
		string(outputs),
		rec.AppliedAt.UTC().Format(time.RFC3339Nano),
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to save state record: %w", err)
	}
	return nil
}

// DeleteRecord implements engine.StateStore. Deleting an absent record is
// not an error; destroy paths may race a crashed run's partial cleanup.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM state_records WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete state record: %w", err)
	}
	return nil
}

// AcquireLock implements engine.StateStore. A held lock always blocks
// acquisition, even with a stale heartbeat: only an operator may break a
// crashed run's lock, via ForceUnlock. Stale holders are named as such in
// the contention error so the operator knows force-unlock is safe.
func (s *SQLiteStore) AcquireLock(ctx context.Context, runID, holder string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingRun, existingHolder string
	var heartbeat string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id, holder, heartbeat_at FROM deployment_lock WHERE id = 1`).
		Scan(&existingRun, &existingHolder, &heartbeat)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No lock held.
	case err != nil:
		return fmt.Errorf("failed to read deployment lock: %w", err)
	default:
		hb, parseErr := parseTime(heartbeat)
		if parseErr != nil {
			return fmt.Errorf("failed to parse lock heartbeat: %w", parseErr)
		}
		if time.Since(hb) >= s.staleThreshold {
			return engine.NewLockContentionError(
				fmt.Sprintf("%s (heartbeat stale since %s, run likely crashed; use 'state unlock --force' to release)",
					existingHolder, hb.Format(time.RFC3339)), nil)
		}
		return engine.NewLockContentionError(existingHolder, nil)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO deployment_lock (id, run_id, holder, acquired_at, heartbeat_at) VALUES (1, ?, ?, ?, ?)`,
		runID, holder, now, now)
	if err != nil {
		return fmt.Errorf("failed to acquire deployment lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock acquisition: %w", err)
	}
	return nil
}

// Heartbeat implements engine.StateStore.
func (s *SQLiteStore) Heartbeat(ctx context.Context, runID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE deployment_lock SET heartbeat_at = ? WHERE id = 1 AND run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("failed to refresh lock heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lock no longer held by run %s", runID)
	}
	return nil
}

// ReleaseLock implements engine.StateStore.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deployment_lock WHERE id = 1 AND run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to release deployment lock: %w", err)
	}
	return nil
}

// ForceUnlock implements engine.StateStore. The break is audited.
func (s *SQLiteStore) ForceUnlock(ctx context.Context, operator string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin unlock transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingRun, existingHolder string
	err = tx.QueryRowContext(ctx,
		`SELECT run_id, holder FROM deployment_lock WHERE id = 1`).
		Scan(&existingRun, &existingHolder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read deployment lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deployment_lock WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to force-unlock: %w", err)
	}
	if err := insertAudit(ctx, tx, "force_unlock", operator,
		fmt.Sprintf("broke lock held by %s (run %s)", existingHolder, existingRun)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit force-unlock: %w", err)
	}
	return nil
}

// LockInfo implements engine.StateStore.
func (s *SQLiteStore) LockInfo(ctx context.Context) (*engine.LockInfo, error) {
	var info engine.LockInfo
	var acquired, heartbeat string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, holder, acquired_at, heartbeat_at FROM deployment_lock WHERE id = 1`).
		Scan(&info.RunID, &info.Holder, &acquired, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment lock: %w", err)
	}
	if info.AcquiredAt, err = parseTime(acquired); err != nil {
		return nil, fmt.Errorf("failed to parse lock acquired_at: %w", err)
	}
	if info.HeartbeatAt, err = parseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("failed to parse lock heartbeat_at: %w", err)
	}
	return &info, nil
}

// AppendEvent implements engine.StateStore.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *engine.EventRecord) error {
	details := "{}"
	if ev.Details != nil {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		details = string(b)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, module, resource, action, event_type, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID,
		ev.Module,
		ev.Resource,
		string(ev.Action),
		ev.EventType,
		ev.Message,
		details,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// ListEvents implements engine.StateStore.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]*engine.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, module, resource, action, event_type, message, details, created_at
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.EventRecord{}
	for rows.Next() {
		ev := &engine.EventRecord{}
		var action, details, createdAt string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Module, &ev.Resource, &action,
			&ev.EventType, &ev.Message, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Action = engine.Action(action)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ListAuditEntries returns audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, details, timestamp
		FROM audit
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts string
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse audit timestamp: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, action, actor, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit (action, actor, details, timestamp) VALUES (?, ?, ?, ?)`,
		action, actor, details, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*engine.StateRecord, error) {
	rec := &engine.StateRecord{}
	var kind, backend, properties, resourceIDs, outputs, appliedAt string
	err := row.Scan(
		&rec.Module,
		&rec.Resource,
		&kind,
		&backend,
		&rec.DescriptorHash,
		&properties,
		&resourceIDs,
		&outputs,
		&appliedAt,
		&rec.RunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan state record: %w", err)
	}
	rec.Kind = engine.Kind(kind)
	rec.Backend = engine.Backend(backend)

	// Corrupted payloads surface as classified state errors, not raw JSON
	// decode noise.
	if err := json.Unmarshal([]byte(properties), &rec.Properties); err != nil {
		return nil, stateCorrupt(rec.Key(), "properties", err)
	}
	if err := json.Unmarshal([]byte(resourceIDs), &rec.ResourceIDs); err != nil {
		return nil, stateCorrupt(rec.Key(), "resource_ids", err)
	}
	if rec.Outputs, err = engine.DecodeRawOutputs([]byte(outputs)); err != nil {
		return nil, stateCorrupt(rec.Key(), "outputs", err)
	}
	if rec.AppliedAt, err = parseTime(appliedAt); err != nil {
		return nil, stateCorrupt(rec.Key(), "applied_at", err)
	}
	return rec, nil
}

func stateCorrupt(key, column string, err error) error {
	pe := engine.NewInternalError(fmt.Sprintf("state record %q has corrupt %s", key, column), err)
	pe.Code = engine.ErrCodeStateCorrupt
	return pe
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}
