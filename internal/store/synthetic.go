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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

const datasetColumns = `id, dataset_id, name, description, data_type, record_count, generation_parameters,
	status, error, created_by, is_active, created_at, updated_at`

func scanDataset(row scanner) (*model.SyntheticDataset, error) {
	var (
		d                         model.SyntheticDataset
		dataType, params, created string
		updated                   sql.NullString
	)
	err := row.Scan(&d.ID, &d.DatasetID, &d.Name, &d.Description, &dataType, &d.RecordCount, &params,
		&d.Status, &d.Error, &d.CreatedBy, &d.IsActive, &created, &updated)
	if err != nil {
		return nil, err
	}
	d.DataType = model.SyntheticDataType(dataType)
	d.GenerationParameters = textRaw(params)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseNullTime(updated)
	return &d, nil
}

// CreateDataset inserts a dataset. A duplicate dataset_id returns ErrConflict.
func (s *Store) CreateDataset(ctx context.Context, d *model.SyntheticDataset) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DatasetPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO synthetic_datasets (dataset_id, name, description, data_type, record_count,
			generation_parameters, status, error, created_by, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DatasetID, d.Name, d.Description, string(d.DataType), d.RecordCount,
		rawText(d.GenerationParameters), d.Status, d.Error, d.CreatedBy, d.IsActive, formatTime(d.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("dataset %q: %w", d.DatasetID, ErrConflict)
		}
		return fmt.Errorf("failed to insert dataset: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// GetDataset looks a dataset up by its dataset_id
func (s *Store) GetDataset(ctx context.Context, datasetID string) (*model.SyntheticDataset, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+datasetColumns+" FROM synthetic_datasets WHERE dataset_id = ?", datasetID)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	return d, nil
}

// UpdateDataset writes the mutable dataset fields
func (s *Store) UpdateDataset(ctx context.Context, d *model.SyntheticDataset) error {
	now := time.Now().UTC()
	d.UpdatedAt = &now
	res, err := s.db.ExecContext(ctx, `UPDATE synthetic_datasets
		SET name = ?, description = ?, record_count = ?, generation_parameters = ?, status = ?, error = ?,
			is_active = ?, updated_at = ?
		WHERE dataset_id = ?`,
		d.Name, d.Description, d.RecordCount, rawText(d.GenerationParameters), d.Status, d.Error,
		d.IsActive, formatTime(now), d.DatasetID)
	if err != nil {
		return fmt.Errorf("failed to update dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDatasets returns datasets matching filter, newest first
func (s *Store) ListDatasets(ctx context.Context, filter model.DatasetFilter) ([]model.SyntheticDataset, error) {
	var conditions []string
	var args []interface{}

	if filter.CreatedBy > 0 {
		conditions = append(conditions, "created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.DataType != "" {
		conditions = append(conditions, "data_type = ?")
		args = append(args, string(filter.DataType))
	}
	if filter.ActiveOnly {
		conditions = append(conditions, "is_active = 1")
	}

	query, args := page("SELECT "+datasetColumns+" FROM synthetic_datasets"+where(conditions)+
		" ORDER BY created_at DESC, id DESC", args, filter.Skip, filter.Limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	out := []model.SyntheticDataset{}
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeactivateDataset soft deletes a dataset
func (s *Store) DeactivateDataset(ctx context.Context, datasetID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE synthetic_datasets SET is_active = 0, updated_at = ? WHERE dataset_id = ?",
		formatTime(time.Now()), datasetID)
	if err != nil {
		return fmt.Errorf("failed to deactivate dataset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateDatasetsBefore soft deletes active datasets created before cutoff
// and returns how many were affected.
func (s *Store) DeactivateDatasetsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE synthetic_datasets SET is_active = 0, updated_at = ? WHERE is_active = 1 AND created_at < ?",
		formatTime(time.Now()), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up datasets: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AddRecords stores generated records for a dataset in one transaction
func (s *Store) AddRecords(ctx context.Context, datasetID string, records []json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO synthetic_records (dataset_id, data, created_at) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare record insert: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, datasetID, string(r), now); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}
	return tx.Commit()
}

// ListRecords returns a dataset's records in insertion order
func (s *Store) ListRecords(ctx context.Context, datasetID string, limit int) ([]model.SyntheticRecord, error) {
	query, args := page("SELECT id, dataset_id, data, created_at FROM synthetic_records WHERE dataset_id = ? ORDER BY id",
		[]interface{}{datasetID}, 0, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	out := []model.SyntheticRecord{}
	for rows.Next() {
		var r model.SyntheticRecord
		var data, created string
		if err := rows.Scan(&r.ID, &r.DatasetID, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Data = json.RawMessage(data)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns the number of records stored for a dataset
func (s *Store) CountRecords(ctx context.Context, datasetID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM synthetic_records WHERE dataset_id = ?", datasetID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}
