// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mobiletoly/go-timelimit/actions"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

// outgoing is one wire entry under construction
type outgoing struct {
	entry syncserver.PushedAction
	// usage is set while the entry may still absorb the next usage report
	usage *actions.AddUsedTimeAction
}

// buildBatch turns pending rows into wire entries. Rows not yet scheduled are
// returned in scheduled so the caller can freeze them. Consecutive unscheduled
// usage reports of the same day are merged into one entry carrying the highest
// sequence number; rows scheduled by an earlier round are resent unchanged.
func buildBatch(rows []model.PendingSyncAction) (batch []syncserver.PushedAction, scheduled []int64, err error) {
	var out []*outgoing
	for _, row := range rows {
		entry := syncserver.PushedAction{
			SequenceNumber: row.SequenceNumber,
			EncodedAction:  row.EncodedAction,
			Integrity:      row.Integrity,
			Type:           row.Type,
			UserID:         row.UserID,
		}
		if row.ScheduledForUpload {
			out = append(out, &outgoing{entry: entry})
			continue
		}
		scheduled = append(scheduled, row.SequenceNumber)

		usage, ok := decodeUsage(row)
		if !ok {
			out = append(out, &outgoing{entry: entry})
			continue
		}
		if n := len(out); n > 0 && out[n-1].usage != nil {
			prev := out[n-1]
			if merged, ok := actions.MergeAddUsedTime(*prev.usage, usage); ok {
				encoded, err := actions.Marshal(merged)
				if err != nil {
					return nil, nil, err
				}
				if len(prev.entry.MergedSequenceNumbers) == 0 {
					prev.entry.MergedSequenceNumbers = []int64{prev.entry.SequenceNumber}
				}
				prev.entry.MergedSequenceNumbers = append(prev.entry.MergedSequenceNumbers, row.SequenceNumber)
				prev.entry.SequenceNumber = row.SequenceNumber
				prev.entry.EncodedAction = string(encoded)
				prev.usage = &merged
				continue
			}
		}
		out = append(out, &outgoing{entry: entry, usage: &usage})
	}

	batch = make([]syncserver.PushedAction, len(out))
	for i, o := range out {
		batch[i] = o.entry
	}
	return batch, scheduled, nil
}

func decodeUsage(row model.PendingSyncAction) (actions.AddUsedTimeAction, bool) {
	if row.Type != model.SyncActionAppLogic || row.Integrity != actions.DeviceIntegrity {
		return actions.AddUsedTimeAction{}, false
	}
	a, err := actions.Unmarshal([]byte(row.EncodedAction))
	if err != nil {
		return actions.AddUsedTimeAction{}, false
	}
	usage, ok := a.(actions.AddUsedTimeAction)
	return usage, ok
}

// uploadAll pushes batches until the queue is drained or the server stops acknowledging
func (c *Client) uploadAll(ctx context.Context) (total int, err error) {
	start := time.Now()
	defer func() { c.observe(OperationPush, start, total, err) }()

	for {
		n, more, err := c.uploadOnce(ctx)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

// uploadOnce pushes one batch. more reports whether further rows may be waiting.
func (c *Client) uploadOnce(ctx context.Context) (sent int, more bool, err error) {
	var batch []syncserver.PushedAction
	var rowCount int
	err = c.DB.InTx(ctx, func(tx *localdb.Tx) error {
		rows, err := tx.ListPendingActions(ctx, c.config.MaxBatch)
		if err != nil {
			return err
		}
		rowCount = len(rows)
		var scheduled []int64
		batch, scheduled, err = buildBatch(rows)
		if err != nil {
			return err
		}
		return tx.MarkScheduledForUpload(ctx, scheduled)
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to prepare upload batch: %w", err)
	}
	if len(batch) == 0 {
		return 0, false, nil
	}

	resp, err := c.sendPushRequest(ctx, &syncserver.PushRequest{Actions: batch})
	if err != nil {
		return 0, false, err
	}

	var deleted int64
	err = c.DB.InTx(ctx, func(tx *localdb.Tx) error {
		var err error
		deleted, err = tx.DeleteAcknowledgedActions(ctx, resp.AcknowledgedUpTo)
		if err != nil {
			return err
		}
		if resp.ShouldDoFullSync {
			return tx.ClearVersions(ctx)
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to process push response: %w", err)
	}

	highest := batch[len(batch)-1].SequenceNumber
	c.logger.Debug("uploaded actions",
		"entries", len(batch), "rows", rowCount, "deleted", deleted,
		"acknowledged_up_to", resp.AcknowledgedUpTo, "full_sync", resp.ShouldDoFullSync)
	if resp.ShouldDoFullSync {
		c.logger.Warn("server requested a full sync")
	}
	return len(batch), rowCount == c.config.MaxBatch && resp.AcknowledgedUpTo >= highest, nil
}

// sendPushRequest sends a push request to the server
func (c *Client) sendPushRequest(ctx context.Context, req *syncserver.PushRequest) (*syncserver.PushResponse, error) {
	var resp syncserver.PushResponse
	if err := c.postJSON(ctx, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// Get JWT token
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
