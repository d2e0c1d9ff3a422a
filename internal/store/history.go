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
	"fmt"
	"time"

	"github.com/tailingsiq/tailingsiq-backend/internal/model"
)

// SaveQueryHistory records an AI query and its outcome
func (s *Store) SaveQueryHistory(ctx context.Context, h *model.QueryHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_query_history (user_id, query, response, intent, sources, confidence_score,
			processing_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID, h.Query, h.Response, rawText(h.Intent), encodeJSON(h.Sources), h.ConfidenceScore,
		h.ProcessingTime, formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert query history: %w", err)
	}
	h.ID, err = res.LastInsertId()
	return err
}

// ListQueryHistory returns a user's queries newest first and the total count
func (s *Store) ListQueryHistory(ctx context.Context, userID int64, skip, limit int) ([]model.QueryHistory, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ai_query_history WHERE user_id = ?", userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count query history: %w", err)
	}

	query, args := page(`SELECT id, user_id, query, response, intent, sources, confidence_score, processing_time, created_at
		FROM ai_query_history WHERE user_id = ? ORDER BY created_at DESC, id DESC`, []interface{}{userID}, skip, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	out := []model.QueryHistory{}
	for rows.Next() {
		var h model.QueryHistory
		var intent, sources, created string
		if err := rows.Scan(&h.ID, &h.UserID, &h.Query, &h.Response, &intent, &sources, &h.ConfidenceScore,
			&h.ProcessingTime, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan history: %w", err)
		}
		h.Intent = textRaw(intent)
		h.Sources = decodeStrings(sources)
		h.CreatedAt = parseTime(created)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
