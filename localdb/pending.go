// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"fmt"

	"github.com/mobiletoly/go-timelimit/model"
)

// InsertPendingAction appends an action to the upload queue
func (q *Queries) InsertPendingAction(ctx context.Context, p model.PendingSyncAction) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pending_sync_action (sequence_number, action, integrity, scheduled_for_upload, type, user_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.SequenceNumber, p.EncodedAction, p.Integrity, boolToInt(p.ScheduledForUpload), p.Type, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert pending action %d: %w", p.SequenceNumber, err)
	}
	return nil
}

// ListPendingActions returns queued actions in sequence order, at most limit (0 = all)
func (q *Queries) ListPendingActions(ctx context.Context, limit int) ([]model.PendingSyncAction, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT sequence_number, action, integrity, scheduled_for_upload, type, user_id
		FROM pending_sync_action
		ORDER BY sequence_number
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var result []model.PendingSyncAction
	for rows.Next() {
		var p model.PendingSyncAction
		var scheduled int
		if err := rows.Scan(&p.SequenceNumber, &p.EncodedAction, &p.Integrity, &scheduled, &p.Type, &p.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan pending action: %w", err)
		}
		p.ScheduledForUpload = scheduled != 0
		result = append(result, p)
	}
	return result, rows.Err()
}

// MarkScheduledForUpload freezes the given actions for the current upload round
func (q *Queries) MarkScheduledForUpload(ctx context.Context, sequenceNumbers []int64) error {
	for _, seq := range sequenceNumbers {
		if _, err := q.q.ExecContext(ctx, `UPDATE pending_sync_action SET scheduled_for_upload = 1 WHERE sequence_number = ?`, seq); err != nil {
			return fmt.Errorf("failed to schedule pending action %d: %w", seq, err)
		}
	}
	return nil
}

// DeleteAcknowledgedActions removes scheduled actions up to and including sequenceNumber
func (q *Queries) DeleteAcknowledgedActions(ctx context.Context, sequenceNumber int64) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM pending_sync_action WHERE scheduled_for_upload = 1 AND sequence_number <= ?`, sequenceNumber)
	if err != nil {
		return 0, fmt.Errorf("failed to delete acknowledged actions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPendingActions returns the queue length
func (q *Queries) CountPendingActions(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_sync_action`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending actions: %w", err)
	}
	return n, nil
}
