// Copyright 2024 TailingsIQ Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store persists users, documents, monitoring, compliance,
// synthetic datasets and query history in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint is violated
	ErrConflict = errors.New("already exists")
)

// timeLayout is fixed width so that stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Store handles queries to the SQLite database
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the database at dbPath and applies the schema.
// Use ":memory:" for an ephemeral database.
func NewStore(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite serialises writers anyway and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Store opened", zap.String("path", dbPath))
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		organization TEXT NOT NULL DEFAULT '',
		job_title TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		facilities_access TEXT NOT NULL DEFAULT '[]',
		is_verified INTEGER NOT NULL DEFAULT 0,
		failed_login_attempts INTEGER NOT NULL DEFAULT 0,
		last_failed_login_at TEXT,
		last_login TEXT,
		last_password_change TEXT,
		reset_token TEXT,
		reset_token_expires_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_reset_token ON users(reset_token)`,
	`CREATE TABLE IF NOT EXISTS user_audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_user ON user_audit_logs(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		document_type TEXT NOT NULL,
		status TEXT NOT NULL,
		facility_id TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		is_confidential INTEGER NOT NULL DEFAULT 0,
		extracted_text TEXT NOT NULL DEFAULT '',
		extracted_metadata TEXT NOT NULL DEFAULT '',
		is_indexed INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		uploaded_by INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_facility ON documents(facility_id)`,
	`CREATE TABLE IF NOT EXISTS document_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL REFERENCES documents(id),
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		UNIQUE(document_id, chunk_index)
	)`,
	`CREATE TABLE IF NOT EXISTS dataset_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_name TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dataset_rows_name ON dataset_rows(dataset_name)`,
	`CREATE TABLE IF NOT EXISTS monitoring_stations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		facility_id TEXT NOT NULL,
		latitude REAL,
		longitude REAL,
		elevation REAL,
		monitoring_type TEXT NOT NULL,
		parameter TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		serial_number TEXT NOT NULL DEFAULT '',
		installation_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		sampling_interval INTEGER NOT NULL DEFAULT 60,
		alert_thresholds TEXT NOT NULL DEFAULT '{}',
		calibration_data TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		last_reading_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_stations_facility ON monitoring_stations(facility_id)`,
	`CREATE TABLE IF NOT EXISTS monitoring_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL REFERENCES monitoring_stations(station_id),
		timestamp TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL,
		quality_code TEXT NOT NULL DEFAULT '',
		raw_value REAL,
		processed_value REAL,
		correction_factor REAL,
		is_validated INTEGER NOT NULL DEFAULT 0,
		is_anomaly INTEGER NOT NULL DEFAULT 0,
		alert_level TEXT NOT NULL DEFAULT 'normal',
		alert_rank INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_readings_station_time ON monitoring_readings(station_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS monitoring_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		station_id TEXT NOT NULL,
		facility_id TEXT NOT NULL DEFAULT '',
		reading_id INTEGER,
		alert_type TEXT NOT NULL,
		alert_level TEXT NOT NULL,
		alert_rank INTEGER NOT NULL,
		message TEXT NOT NULL,
		trigger_value REAL,
		threshold_value REAL,
		is_active INTEGER NOT NULL DEFAULT 1,
		is_acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by INTEGER,
		acknowledged_at TEXT,
		is_resolved INTEGER NOT NULL DEFAULT 0,
		resolved_by INTEGER,
		resolved_at TEXT,
		resolution_notes TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_facility ON monitoring_alerts(facility_id, is_active)`,
	`CREATE TABLE IF NOT EXISTS compliance_requirements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requirement_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		standard TEXT NOT NULL,
		section TEXT NOT NULL DEFAULT '',
		subsection TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		subcategory TEXT NOT NULL DEFAULT '',
		risk_level TEXT NOT NULL DEFAULT 'Medium',
		is_mandatory INTEGER NOT NULL DEFAULT 1,
		frequency TEXT NOT NULL DEFAULT '',
		due_date_rule TEXT NOT NULL DEFAULT '',
		guidance_notes TEXT NOT NULL DEFAULT '',
		reference_list TEXT NOT NULL DEFAULT '[]',
		related_requirements TEXT NOT NULL DEFAULT '[]',
		is_active INTEGER NOT NULL DEFAULT 1,
		effective_date TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS compliance_assessments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		requirement_id TEXT NOT NULL,
		facility_id TEXT NOT NULL,
		assessment_date TEXT NOT NULL,
		assessor_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		evidence_provided TEXT NOT NULL DEFAULT '',
		evidence_documents TEXT NOT NULL DEFAULT '[]',
		findings TEXT NOT NULL DEFAULT '',
		recommendations TEXT NOT NULL DEFAULT '',
		compliance_score REAL,
		risk_score REAL,
		confidence_level REAL,
		actions_required TEXT NOT NULL DEFAULT '',
		due_date TEXT,
		is_reviewed INTEGER NOT NULL DEFAULT 0,
		reviewed_by INTEGER,
		reviewed_at TEXT,
		review_comments TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assessments_facility ON compliance_assessments(facility_id, assessment_date)`,
	`CREATE TABLE IF NOT EXISTS compliance_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assessment_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		action_type TEXT NOT NULL DEFAULT 'Corrective',
		priority TEXT NOT NULL DEFAULT 'Medium',
		assigned_to INTEGER,
		assigned_by INTEGER,
		assigned_date TEXT,
		due_date TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		completed_date TEXT,
		completion_notes TEXT NOT NULL DEFAULT '',
		verification_required INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS synthetic_datasets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		data_type TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		generation_parameters TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_by INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS synthetic_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		dataset_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_synthetic_records_dataset ON synthetic_records(dataset_id)`,
	`CREATE TABLE IF NOT EXISTS ai_query_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		query TEXT NOT NULL,
		response TEXT NOT NULL,
		intent TEXT NOT NULL DEFAULT '',
		sources TEXT NOT NULL DEFAULT '[]',
		confidence_score REAL NOT NULL DEFAULT 0,
		processing_time REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_user ON ai_query_history(user_id, created_at)`,
}

// initSchema creates every table if it doesn't exist
func (s *Store) initSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func nullInt(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

// encodeJSON marshals v for a TEXT column. Nil slices are stored as [].
func encodeJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	return string(raw)
}

func textRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func decodeStrings(s string) []string {
	out := []string{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	if out == nil {
		out = []string{}
	}
	return out
}

func decodeInts(s string) []int64 {
	out := []int64{}
	if s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	if out == nil {
		out = []int64{}
	}
	return out
}

// inClause returns "(?, ?, ...)" for n placeholders and appends values to args.
func inClause[T any](values []T, args []interface{}) (string, []interface{}) {
	marks := make([]string, len(values))
	for i, v := range values {
		marks[i] = "?"
		args = append(args, v)
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// where joins conditions into a WHERE clause, or returns "".
func where(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conditions, " AND ")
}

// page appends LIMIT/OFFSET. A non-positive limit means no limit.
func page(query string, args []interface{}, skip, limit int) (string, []interface{}) {
	if limit <= 0 {
		limit = -1
	}
	if skip < 0 {
		skip = 0
	}
	return query + " LIMIT ? OFFSET ?", append(args, limit, skip)
}
