// Package sqlite provides the SQLite implementation of the conflict-kit
// RecordStore and its read-side RecordQuerier.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	conflict "github.com/dayplan-app/conflictkit"
	conflictErrors "github.com/dayplan-app/conflictkit/errors"
	"github.com/dayplan-app/conflictkit/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreClosed is returned by every method once Close has been called.
var ErrStoreClosed = fmt.Errorf("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including:
//   - WAL mode enabled for better concurrency
//   - Connection pool with 25 max open, 5 max idle connections
//   - Connection lifetimes of 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:conflicts.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, automatically appends "?_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// TableName is the name of the table holding conflict records.
	// Defaults to "conflict_records" if empty.
	TableName string

	// Connection pool settings for production workloads.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "conflict_records"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL {
		if !strings.Contains(c.DataSourceName, "_journal_mode=") {
			if strings.Contains(c.DataSourceName, "?") {
				c.DataSourceName += "&_journal_mode=WAL"
			} else {
				c.DataSourceName += "?_journal_mode=WAL"
			}
		}
	}
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName))
}

// Store implements conflict.RecordStore and conflict.RecordQuerier on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
	table  string
	logger *logging.Logger
}

// Compile-time checks against the conflict-kit contracts
var (
	_ conflict.RecordStore   = (*Store)(nil)
	_ conflict.RecordQuerier = (*Store)(nil)
)

// New creates a new Store from a Config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	config.setDefaults()

	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(context.Background(), "Opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	store := &Store{
		db:     db,
		table:  config.TableName,
		logger: logger,
	}

	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	logger.InfoContext(context.Background(), "Conflict record store initialized",
		slog.String("table_name", config.TableName),
	)
	return store, nil
}

// setupSchema creates the conflict records table if it doesn't exist.
func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id                  TEXT PRIMARY KEY,
        entity_type         TEXT NOT NULL,
        entity_id           TEXT NOT NULL,
        local_data          TEXT NOT NULL,
        server_data         TEXT NOT NULL,
        conflicting_fields  TEXT NOT NULL,
        resolution          TEXT,
        resolved_at         TIMESTAMP,
        resolved_by         TEXT,
        created_at          TIMESTAMP NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_entity ON %[1]s (entity_type, entity_id);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_resolved_at ON %[1]s (resolved_at);
    CREATE INDEX IF NOT EXISTS idx_%[1]s_created_at ON %[1]s (created_at);
    `, s.table)
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create persists a new unresolved conflict record.
func (s *Store) Create(ctx context.Context, params conflict.CreateParams) (*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	record := &conflict.Record{
		ID:                uuid.NewString(),
		EntityType:        params.EntityType,
		EntityID:          params.EntityID,
		LocalData:         params.LocalData,
		ServerData:        params.ServerData,
		ConflictingFields: params.ConflictingFields,
		CreatedAt:         time.Now().UTC(),
	}
	if record.ConflictingFields == nil {
		record.ConflictingFields = []conflict.FieldDiff{}
	}

	localJSON, err := json.Marshal(record.LocalData)
	if err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpCreate, err)
	}
	serverJSON, err := json.Marshal(record.ServerData)
	if err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpCreate, err)
	}
	fieldsJSON, err := json.Marshal(record.ConflictingFields)
	if err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpCreate, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, entity_type, entity_id, local_data, server_data, conflicting_fields, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		record.ID, record.EntityType, record.EntityID,
		string(localJSON), string(serverJSON), string(fieldsJSON),
		record.CreatedAt)
	if err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpCreate, "storage/sqlite")
	}

	return record, nil
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := s.selectClause() + ` WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	record, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetByEntity returns every record for one entity, newest first.
func (s *Store) GetByEntity(ctx context.Context, entityType, entityID string) ([]*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := s.selectClause() + ` WHERE entity_type = ? AND entity_id = ? ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

// Resolve marks a record resolved. The update is conditional on the record
// still being unresolved; that conditional write is the only concurrency
// guard in the kit, so a false return means another caller already settled
// the record (or it never existed) and must not be treated as an error.
func (s *Store) Resolve(ctx context.Context, id string, res conflict.Resolution, resolvedBy string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	resJSON, err := json.Marshal(res)
	if err != nil {
		return false, conflictErrors.NewSerializationError(conflictErrors.OpResolve, err)
	}

	query := fmt.Sprintf(`UPDATE %s SET resolution = ?, resolved_at = ?, resolved_by = ?
        WHERE id = ? AND resolved_at IS NULL`, s.table)
	result, err := s.db.ExecContext(ctx, query, string(resJSON), time.Now().UTC(), nullString(resolvedBy), id)
	if err != nil {
		return false, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolve, "storage/sqlite")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolve, "storage/sqlite")
	}
	return affected == 1, nil
}

// ResolveBatch resolves each still-unresolved record in ids to the named
// side's full snapshot, within a single transaction. Already-resolved and
// missing ids are skipped; the count of records actually resolved is
// returned. Partial success is expected, not an error.
func (s *Store) ResolveBatch(ctx context.Context, ids []string, side conflict.Side, resolvedBy string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if side != conflict.SideLocal && side != conflict.SideServer {
		return 0, conflictErrors.NewValidationError(conflictErrors.OpResolveBatch,
			fmt.Errorf("invalid side %q", side))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolveBatch, "storage/sqlite")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`SELECT local_data, server_data, resolved_at FROM %s WHERE id = ?`, s.table)
	updateQuery := fmt.Sprintf(`UPDATE %s SET resolution = ?, resolved_at = ?, resolved_by = ?
        WHERE id = ? AND resolved_at IS NULL`, s.table)

	count := 0
	now := time.Now().UTC()
	for _, id := range ids {
		var localJSON, serverJSON string
		var resolvedAt sql.NullTime

		err = tx.QueryRowContext(ctx, selectQuery, id).Scan(&localJSON, &serverJSON, &resolvedAt)
		if err == sql.ErrNoRows {
			err = nil
			continue
		}
		if err != nil {
			return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolveBatch, "storage/sqlite")
		}
		if resolvedAt.Valid {
			continue
		}

		chosen := serverJSON
		resType := conflict.ResolutionServer
		if side == conflict.SideLocal {
			chosen = localJSON
			resType = conflict.ResolutionLocal
		}

		var data conflict.Snapshot
		if err = json.Unmarshal([]byte(chosen), &data); err != nil {
			return 0, conflictErrors.NewSerializationError(conflictErrors.OpResolveBatch, err)
		}

		var resJSON []byte
		resJSON, err = json.Marshal(conflict.Resolution{Type: resType, Data: data})
		if err != nil {
			return 0, conflictErrors.NewSerializationError(conflictErrors.OpResolveBatch, err)
		}

		var result sql.Result
		result, err = tx.ExecContext(ctx, updateQuery, string(resJSON), now, nullString(resolvedBy), id)
		if err != nil {
			return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolveBatch, "storage/sqlite")
		}
		affected, raErr := result.RowsAffected()
		if raErr != nil {
			err = raErr
			return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolveBatch, "storage/sqlite")
		}
		count += int(affected)
	}

	if err = tx.Commit(); err != nil {
		return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpResolveBatch, "storage/sqlite")
	}
	return count, nil
}

// GetUnresolved lists unresolved records, newest first. An empty entityType
// matches all types.
func (s *Store) GetUnresolved(ctx context.Context, entityType string) ([]*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := s.selectClause() + ` WHERE resolved_at IS NULL`
	args := []any{}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	defer rows.Close()

	return s.scanRecords(rows)
}

// GetUnresolvedByEntity returns the unresolved record for one entity, or nil
// when there is none. Callers are expected to use this (or
// HasUnresolvedConflict) before creating a new record; the store itself does
// not enforce uniqueness.
func (s *Store) GetUnresolvedByEntity(ctx context.Context, entityType, entityID string) (*conflict.Record, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	query := s.selectClause() + ` WHERE entity_type = ? AND entity_id = ? AND resolved_at IS NULL
        ORDER BY created_at DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, entityType, entityID)
	record, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// GetUnresolvedCount returns the number of unresolved records.
func (s *Store) GetUnresolvedCount(ctx context.Context) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE resolved_at IS NULL`, s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	return count, nil
}

// HasUnresolvedConflict reports whether an unresolved record exists for the
// given entity.
func (s *Store) HasUnresolvedConflict(ctx context.Context, entityType, entityID string) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}

	var one int
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE entity_type = ? AND entity_id = ? AND resolved_at IS NULL LIMIT 1`, s.table)
	err := s.db.QueryRowContext(ctx, query, entityType, entityID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	return true, nil
}

// CleanupResolved deletes resolved records older than the retention window.
// Unresolved records are never touched.
func (s *Store) CleanupResolved(ctx context.Context, retentionDays int) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if retentionDays <= 0 {
		retentionDays = 30
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	query := fmt.Sprintf(`DELETE FROM %s WHERE resolved_at IS NOT NULL AND resolved_at < ?`, s.table)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpCleanup, "storage/sqlite")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, conflictErrors.WrapOpComponent(err, conflictErrors.OpCleanup, "storage/sqlite")
	}

	if affected > 0 {
		s.logger.InfoContext(ctx, "Cleaned up resolved conflict records",
			slog.Int64("deleted", affected),
			slog.Int("retention_days", retentionDays),
		)
	}
	return int(affected), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// DBStats returns database statistics for monitoring
func (s *Store) DBStats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}

	return s.db.Stats()
}

func (s *Store) selectClause() string {
	return fmt.Sprintf(`SELECT id, entity_type, entity_id, local_data, server_data,
        conflicting_fields, resolution, resolved_at, resolved_by, created_at FROM %s`, s.table)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord materializes one row. Malformed persisted JSON is surfaced as a
// hard serialization error: a corrupted record cannot be safely merged.
func (s *Store) scanRecord(row rowScanner) (*conflict.Record, error) {
	var (
		record     conflict.Record
		localJSON  string
		serverJSON string
		fieldsJSON string
		resJSON    sql.NullString
		resolvedAt sql.NullTime
		resolvedBy sql.NullString
	)

	err := row.Scan(&record.ID, &record.EntityType, &record.EntityID,
		&localJSON, &serverJSON, &fieldsJSON, &resJSON, &resolvedAt, &resolvedBy, &record.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}

	if err := json.Unmarshal([]byte(localJSON), &record.LocalData); err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpQuery,
			fmt.Errorf("record %s: local_data: %w", record.ID, err))
	}
	if err := json.Unmarshal([]byte(serverJSON), &record.ServerData); err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpQuery,
			fmt.Errorf("record %s: server_data: %w", record.ID, err))
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &record.ConflictingFields); err != nil {
		return nil, conflictErrors.NewSerializationError(conflictErrors.OpQuery,
			fmt.Errorf("record %s: conflicting_fields: %w", record.ID, err))
	}
	if resJSON.Valid {
		var res conflict.Resolution
		if err := json.Unmarshal([]byte(resJSON.String), &res); err != nil {
			return nil, conflictErrors.NewSerializationError(conflictErrors.OpQuery,
				fmt.Errorf("record %s: resolution: %w", record.ID, err))
		}
		record.Resolution = &res
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		record.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		record.ResolvedBy = resolvedBy.String
	}

	return &record, nil
}

func (s *Store) scanRecords(rows *sql.Rows) ([]*conflict.Record, error) {
	records := []*conflict.Record{}
	for rows.Next() {
		record, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, conflictErrors.WrapOpComponent(err, conflictErrors.OpQuery, "storage/sqlite")
	}
	return records, nil
}
