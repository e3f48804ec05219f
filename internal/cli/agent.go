// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-timelimit/applogic"
	"github.com/mobiletoly/go-timelimit/clock"
	"github.com/mobiletoly/go-timelimit/config"
	"github.com/mobiletoly/go-timelimit/dispatch"
	"github.com/mobiletoly/go-timelimit/localdb"
	"github.com/mobiletoly/go-timelimit/metrics"
	"github.com/mobiletoly/go-timelimit/model"
	"github.com/mobiletoly/go-timelimit/pushchannel"
	"github.com/mobiletoly/go-timelimit/syncclient"
	"github.com/mobiletoly/go-timelimit/syncserver"
)

const shutdownTimeout = 10 * time.Second

type agentFlags struct {
	dbPath       string
	serverURL    string
	token        string
	pollInterval time.Duration
	backupDir    string
	metricsAddr  string
	logLevel     string

	script      string
	foreground  string
	deviceName  string
	ownPackage  string
	whitelist   []string
	afterReboot bool
}

func newAgentCommand() *cobra.Command {
	var f agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the device core against scripted device probes",
		Long: `agent runs the blocking and usage counting loop of one device. Without a
server URL it works in local mode, otherwise it enrolls with the server on first
start and keeps the local state in sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent()
			if err != nil {
				return err
			}
			override(cmd, "db", f.dbPath, &cfg.DBPath)
			override(cmd, "server", f.serverURL, &cfg.ServerURL)
			override(cmd, "token", f.token, &cfg.Token)
			override(cmd, "poll-interval", f.pollInterval, &cfg.PollInterval)
			override(cmd, "backup-dir", f.backupDir, &cfg.BackupDir)
			override(cmd, "metrics-addr", f.metricsAddr, &cfg.MetricsAddr)
			override(cmd, "log-level", f.logLevel, &cfg.LogLevel)
			return runAgent(cmd, cfg, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.dbPath, "db", "", "path of the local SQLite store")
	flags.StringVar(&f.serverURL, "server", "", "sync server base URL, empty for local mode")
	flags.StringVar(&f.token, "token", "", "device token issued by the server")
	flags.DurationVar(&f.pollInterval, "poll-interval", applogic.DefaultPollInterval, "polling loop interval")
	flags.StringVar(&f.backupDir, "backup-dir", "", "directory for periodic database backups")
	flags.StringVar(&f.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on")
	flags.StringVar(&f.logLevel, "log-level", "info", "log level")
	flags.StringVar(&f.script, "script", "", "file with a timeline of device states")
	flags.StringVar(&f.foreground, "foreground", "", "package in the foreground when no script says otherwise")
	flags.StringVar(&f.deviceName, "device-name", "", "name of the device on enrollment (default hostname)")
	flags.StringVar(&f.ownPackage, "own-package", "io.timelimit.agent", "package name of the agent itself")
	flags.StringSliceVar(&f.whitelist, "whitelist", nil, "packages that are never evaluated")
	flags.BoolVar(&f.afterReboot, "after-reboot", false, "report that the device restarted")
	return cmd
}

func runAgent(cmd *cobra.Command, cfg config.Agent, f agentFlags) error {
	ctx := cmd.Context()
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, false)
	if err != nil {
		return err
	}

	var steps []scriptStep
	if f.script != "" {
		file, err := os.Open(f.script)
		if err != nil {
			return fmt.Errorf("failed to open script: %w", err)
		}
		steps, err = parseScript(file)
		_ = file.Close()
		if err != nil {
			return err
		}
	}

	db, err := localdb.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	name := f.deviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	id, err := loadIdentity(ctx, db, cfg, name, logger)
	if err != nil {
		return err
	}
	logger = logger.With("device_id", id.deviceID)

	var (
		reg        *prometheus.Registry
		collectors *metrics.Collectors
	)
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		collectors = metrics.New(reg)
	}

	uptime := clock.NewProcessUptime()
	var network clock.NetworkClock
	if !cfg.LocalMode() {
		network = clock.NewHTTPNetworkClock(cfg.ServerURL)
	}
	trust := clock.NewTrust(uptime, clock.WallClock{}, network, logger)

	var (
		client *syncclient.Client
		push   *pushchannel.Client
	)
	if !cfg.LocalMode() {
		token := id.token
		client = syncclient.NewClient(db, cfg.ServerURL, id.deviceID, func(context.Context) (string, error) { return token, nil }, nil, logger)
		push = pushchannel.New(cfg.ServerURL, func(eventType string) {
			logger.Debug("push event", "type", eventType)
			client.RequestSync()
		}, logger)
		push.SetToken(token)
	}

	opts := dispatch.Options{
		DeviceID:       id.deviceID,
		LocalMode:      cfg.LocalMode(),
		Logger:         logger,
		Clock:          trust,
		OnManipulation: func() { logger.Warn("manipulation of the device detected") },
	}
	if client != nil {
		opts.OnEnqueued = client.RequestSync
	}
	deps := applogic.Deps{
		DB:             db,
		DeviceID:       id.deviceID,
		OwnPackageName: f.ownPackage,
		Whitelist:      f.whitelist,
		Clock:          trust,
		Uptime:         uptime,
		Probes:         newScriptedProbes(f.foreground, steps),
		Enforcer:       logEnforcer{logger: logger},
		Sync:           client,
		Push:           push,
		Logger:         logger,
		PollInterval:   cfg.PollInterval,
		BackupDir:      cfg.BackupDir,
	}
	if collectors != nil {
		opts.Recorder = collectors
		deps.Recorder = collectors
		if client != nil {
			client.Recorder = collectors
		}
	}
	deps.Dispatcher = dispatch.New(db, opts)

	logic, err := applogic.New(deps)
	if err != nil {
		return err
	}
	if f.afterReboot {
		if err := logic.ReportReboot(ctx); err != nil {
			return err
		}
	}

	if reg != nil {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logic.Start(ctx)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return logic.Shutdown(shutdownCtx)
}

type identity struct {
	deviceID string
	token    string
}

// loadIdentity returns the id and token of this device, enrolling it with the
// server on first start, and makes sure the store knows the own device
func loadIdentity(ctx context.Context, db *localdb.DB, cfg config.Agent, deviceName string, logger *slog.Logger) (identity, error) {
	q := db.Read()
	var id identity
	var err error
	if id.deviceID, _, err = q.GetConfig(ctx, localdb.ConfigOwnDeviceID); err != nil {
		return id, err
	}
	id.token = cfg.Token
	if id.token == "" {
		if id.token, _, err = q.GetConfig(ctx, localdb.ConfigAuthToken); err != nil {
			return id, err
		}
	}

	switch {
	case cfg.LocalMode():
		if id.deviceID == "" {
			id.deviceID = model.NewID()
		}
	case id.token == "":
		resp, err := syncclient.Register(ctx, nil, cfg.ServerURL, "", &syncserver.RegisterRequest{DeviceID: id.deviceID, DeviceName: deviceName})
		if err != nil {
			return id, fmt.Errorf("failed to enroll device: %w", err)
		}
		logger.Info("enrolled device", "family_id", resp.FamilyID, "device_id", resp.DeviceID)
		id.deviceID, id.token = resp.DeviceID, resp.Token
	case id.deviceID == "":
		if id.deviceID, err = deviceIDFromToken(id.token); err != nil {
			return id, err
		}
	}

	err = db.InTx(ctx, func(tx *localdb.Tx) error {
		if err := tx.SetConfig(ctx, localdb.ConfigOwnDeviceID, id.deviceID); err != nil {
			return err
		}
		if id.token != "" {
			if err := tx.SetConfig(ctx, localdb.ConfigAuthToken, id.token); err != nil {
				return err
			}
		}
		if _, err := tx.GetDevice(ctx, id.deviceID); !errors.Is(err, localdb.ErrNotFound) {
			return err
		}
		return tx.UpsertDevice(ctx, model.Device{ID: id.deviceID, Name: deviceName, NetworkTime: model.NetworkTimeDisabled})
	})
	if err != nil {
		return id, fmt.Errorf("failed to store device identity: %w", err)
	}
	return id, nil
}

// deviceIDFromToken reads the device claim without verifying the signature;
// the server verifies the token on every request
func deviceIDFromToken(token string) (string, error) {
	var claims syncserver.JWTClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", fmt.Errorf("failed to read device token: %w", err)
	}
	if !model.IsValidID(claims.DeviceID) {
		return "", errors.New("device token carries no valid device id")
	}
	return claims.DeviceID, nil
}
