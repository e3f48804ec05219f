// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localdb

import (
	"context"
	"fmt"
	"os"
)

// Backup writes a consistent copy of the database to path, replacing an older copy
func (db *DB) Backup(ctx context.Context, path string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tmp := path + ".tmp"
	_ = os.Remove(tmp)
	if _, err := db.sql.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace backup: %w", err)
	}
	db.logger.Info("database backup written", "path", path)
	return nil
}
