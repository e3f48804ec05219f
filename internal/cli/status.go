// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-timelimit/applogic"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/config"
	"github.com/mobiletoly/go-timelimit/dispatch"
	"github.com/mobiletoly/go-timelimit/localdb"
)

func newStatusCommand() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the remaining time of the categories of the device user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent()
			if err != nil {
				return err
			}
			override(cmd, "db", dbPath, &cfg.DBPath)
			ctx := cmd.Context()
			logger := slog.New(slog.DiscardHandler)

			db, err := localdb.Open(ctx, cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer db.Close()
			deviceID, ok, err := db.Read().GetConfig(ctx, localdb.ConfigOwnDeviceID)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("the store has no device, run the agent first")
			}

			uptime := clock.NewProcessUptime()
			logic, err := applogic.New(applogic.Deps{
				DB:         db,
				DeviceID:   deviceID,
				Dispatcher: dispatch.New(db, dispatch.Options{DeviceID: deviceID, Logger: logger}),
				Clock:      clock.NewTrust(uptime, clock.WallClock{}, nil, logger),
				Uptime:     uptime,
				Probes:     newScriptedProbes("", nil),
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			categories, err := logic.Categories(ctx)
			if err != nil {
				return err
			}
			if len(categories) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "no child uses this device")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tUSED TODAY\tREMAINING\tWITH EXTRA TIME")
			for _, c := range categories {
				remaining, extra := "unlimited", "unlimited"
				if c.Remaining != nil {
					remaining = formatMillis(c.Remaining.Default)
					extra = formatMillis(c.Remaining.IncludingExtraTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Title, formatMillis(c.UsedToday), remaining, extra)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "path of the local SQLite store")
	return cmd
}

func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Truncate(time.Second).String()
}
