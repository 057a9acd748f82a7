package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/trackd/adapter"
	"github.com/pithecene-io/trackd/checkpoint"
	"github.com/pithecene-io/trackd/cli/config"
	"github.com/pithecene-io/trackd/cli/reader"
	"github.com/pithecene-io/trackd/datastore"
	"github.com/pithecene-io/trackd/filepusher"
	"github.com/pithecene-io/trackd/iox"
	"github.com/pithecene-io/trackd/lode"
	"github.com/pithecene-io/trackd/log"
	"github.com/pithecene-io/trackd/metrics"
	"github.com/pithecene-io/trackd/policy"
	"github.com/pithecene-io/trackd/retry"
	"github.com/pithecene-io/trackd/runtime"
	"github.com/pithecene-io/trackd/sampler"
	"github.com/pithecene-io/trackd/state"
	"github.com/pithecene-io/trackd/types"
)

// Exit code for invalid serve configuration. Run outcomes map to
// runtime.ExitCode*.
const exitConfigError = 4

// DefaultRunDir holds run logs when neither --run-dir nor run_dir is set.
const DefaultRunDir = ".trackd"

// publishTimeout bounds the run-finalized notification after serving.
const publishTimeout = 30 * time.Second

// ServeCommand returns the serve command.
// This is the only command that writes a run log.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the core for one run over stdio or a unix socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to trackd.yaml (flags override file values)",
			},
			// Run flags
			&cli.StringFlag{
				Name:  "run-id",
				Usage: "Run ID (generated when absent)",
			},
			&cli.StringFlag{
				Name:  "run-dir",
				Usage: "Directory holding run logs",
			},
			&cli.StringFlag{
				Name:  "project",
				Usage: "Project of the run",
			},
			&cli.StringFlag{
				Name:  "entity",
				Usage: "Entity of the run",
			},
			// Transport flags
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Serve one client over this unix socket instead of stdio",
			},
			// Sync flags
			&cli.StringFlag{
				Name:  "policy",
				Usage: "Sync policy: noop, strict or streaming",
			},
			&cli.IntFlag{
				Name:  "flush-count",
				Usage: "Flush after N entries (streaming policy)",
			},
			&cli.DurationFlag{
				Name:  "flush-interval",
				Usage: "Flush every interval (streaming policy)",
			},
			&cli.StringFlag{
				Name:  "storage-backend",
				Usage: "Storage backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Storage path (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "storage-region",
				Usage: "AWS region for the s3 backend (optional, uses default chain)",
			},
			&cli.StringFlag{
				Name:  "storage-endpoint",
				Usage: "Custom S3 endpoint for S3-compatible providers",
			},
			// Collaborator flags
			&cli.StringFlag{
				Name:  "sampler-url",
				Usage: "System monitor base URL (sampling disabled when empty)",
			},
			&cli.BoolFlag{
				Name:  "checkpoint",
				Usage: "Keep a progress ledger so restarts skip finished work",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			// Output flags
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write a JSON run report to this path (- for stderr)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the run summary on stderr",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadServeConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	runID := cfg.Run.ID
	if runID == "" {
		runID = uuid.NewString()
	}
	runDir := cfg.RunDir
	if runDir == "" {
		runDir = DefaultRunDir
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return cli.Exit(fmt.Sprintf("create run dir: %v", err), exitConfigError)
	}
	logPath := reader.LogPath(runDir, runID)

	logger := log.NewLoggerWithWriter(&types.RunInfo{
		RunID:   runID,
		Project: cfg.Run.Project,
		Entity:  cfg.Run.Entity,
	}, os.Stderr, log.ParseLevel(cfg.Log.Level))
	defer func() { _ = logger.Sync() }()
	if cfg.Run.ID == "" {
		logger.Warn("no run id configured, generated one", map[string]any{"run_id": runID})
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sv, err := buildServer(ctx, cfg, runID, logPath, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to start run: %v", err), exitConfigError)
	}
	defer sv.close()

	stopRequested := make(chan struct{})
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
			return
		}
		logger.Warn("shutdown requested", nil)
		close(stopRequested)
		sv.stream.RequestShutdown()
		select {
		case <-sigCh:
			logger.Warn("second signal, abandoning shutdown sequence", nil)
			cancel()
		case <-ctx.Done():
		}
	}()

	var result *runtime.RunResult
	var serveErr error
	if socket := c.String("socket"); socket != "" {
		result, serveErr = serveSocket(ctx, sv.stream, socket, stopRequested, logger)
	} else {
		result, serveErr = sv.stream.Serve(ctx, os.Stdin, os.Stdout)
	}
	if result == nil {
		return cli.Exit(fmt.Sprintf("serve failed: %v", serveErr), runtime.ExitCodeLogFailure)
	}
	if serveErr != nil {
		logger.Error("serve ended with error", map[string]any{"error": serveErr.Error()})
	}

	snap := sv.collector.Snapshot()
	if path := c.String("report"); path != "" {
		report := runtime.BuildRunReport(result, snap, sv.policyName)
		if err := runtime.WriteRunReport(report, path); err != nil {
			logger.Error("failed to write run report", map[string]any{"error": err.Error()})
		}
	}

	if sv.adapter != nil {
		event := buildFinalizedEvent(result, cfg, logPath, time.Now())
		pubCtx, pubCancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := sv.adapter.Publish(pubCtx, event); err != nil {
			logger.Warn("run finalized notification failed", map[string]any{
				"adapter": cfg.Adapter.Type,
				"error":   err.Error(),
			})
		}
		pubCancel()
	}

	if !c.Bool("quiet") {
		printRunSummary(os.Stderr, result, sv.policyName)
	}

	return cli.Exit("", result.Outcome.ExitCode())
}

// loadServeConfig reads --config, if any, and applies flag overrides.
func loadServeConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyServeFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid serve configuration: %w", err)
	}
	return cfg, nil
}

// applyServeFlags overrides config values with explicitly set flags.
func applyServeFlags(c *cli.Context, cfg *config.Config) {
	setString := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	setString("run-id", &cfg.Run.ID)
	setString("run-dir", &cfg.RunDir)
	setString("project", &cfg.Run.Project)
	setString("entity", &cfg.Run.Entity)
	setString("policy", &cfg.Sync.Policy)
	setString("storage-backend", &cfg.Sync.Backend)
	setString("storage-path", &cfg.Sync.Path)
	setString("storage-region", &cfg.Sync.Region)
	setString("storage-endpoint", &cfg.Sync.Endpoint)
	setString("sampler-url", &cfg.Sampler.URL)
	setString("log-level", &cfg.Log.Level)

	if c.IsSet("flush-count") {
		cfg.Sync.FlushCount = c.Int("flush-count")
	}
	if c.IsSet("flush-interval") {
		cfg.Sync.FlushInterval = config.Duration{Duration: c.Duration("flush-interval")}
	}
	if c.IsSet("checkpoint") {
		cfg.Checkpoint.Enabled = c.Bool("checkpoint")
	}
}

// server holds a stream and the collaborators it does not own.
type server struct {
	stream     *runtime.Stream
	collector  *metrics.Collector
	policyName string
	adapter    adapter.Adapter
	closers    []io.Closer
}

func (s *server) close() {
	if s.stream != nil {
		iox.DiscardClose(s.stream)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		iox.DiscardClose(s.closers[i])
	}
	if s.adapter != nil {
		iox.DiscardClose(s.adapter)
	}
}

// buildServer wires storage, the progress ledger, the sampler and the
// adapter around a runtime stream for runID.
func buildServer(ctx context.Context, cfg *config.Config, runID, logPath string, logger *log.Logger) (_ *server, err error) {
	sv := &server{}
	var pol policy.Policy
	defer func() {
		if err != nil {
			// The stream owns the policy once it is open.
			if sv.stream == nil && pol != nil {
				_ = pol.Close()
			}
			sv.close()
		}
	}()

	syncMode, err := cfg.SyncMode()
	if err != nil {
		return nil, err
	}
	policies, concurrency, err := cfg.RetryPolicies()
	if err != nil {
		return nil, err
	}
	budgets, err := cfg.ShutdownBudgets()
	if err != nil {
		return nil, err
	}

	var client *lode.LodeClient
	backend := "none"
	if cfg.Sync.Path != "" {
		day, err := resolveDay(ctx, cfg.Run.Day, logPath, time.Now())
		if err != nil {
			return nil, err
		}
		client, err = buildLodeClient(ctx, cfg, lode.Config{
			Dataset: cfg.Sync.Dataset,
			Entity:  cfg.Run.Entity,
			Project: cfg.Run.Project,
			Day:     day,
			RunID:   runID,
		})
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		backend = storageBackend(cfg)
	}

	sv.policyName = effectivePolicy(cfg.Sync.Policy, client != nil)
	if client == nil && sv.policyName != cfg.Sync.Policy && cfg.Sync.Policy != "" {
		logger.Warn("no storage path configured, remote sync disabled", map[string]any{"policy": cfg.Sync.Policy})
	}
	sv.collector = metrics.NewCollector(sv.policyName, backend, runID)

	var sinkClient lode.Client
	if client != nil {
		sv.closers = append(sv.closers, client)
		sinkClient = client
	}
	pol, err = buildPolicy(sv.policyName, cfg.Sync, sinkClient, sv.collector, logger)
	if err != nil {
		return nil, err
	}

	rcfg := runtime.Config{
		LogPath:  logPath,
		SyncMode: syncMode,
		State:    state.Options{},
		Policy:   pol,
		Retry: retry.Options{
			Policies:    policies,
			Concurrency: int64(concurrency),
		},
		FlowThresholds:  cfg.Flow,
		ShutdownBudget:  cfg.Shutdown.Budget.Duration,
		ShutdownBudgets: budgets,
		AwaitTimeout:    cfg.Shutdown.AwaitTimeout.Duration,
		Logger:          logger,
		Collector:       sv.collector,
		Files: filepusher.Config{
			FilesDir: filepath.Join(filepath.Dir(logPath), runID+"-files"),
			Compress: cfg.Sync.CompressFiles,
		},
	}
	if client != nil {
		rcfg.Uploader = client
	}

	if cfg.Checkpoint.Enabled {
		path := cfg.Checkpoint.Path
		if path == "" {
			path = filepath.Join(filepath.Dir(logPath), "progress.db")
		}
		store, err := checkpoint.Open(path)
		if err != nil {
			return nil, err
		}
		sv.closers = append(sv.closers, store)
		ledger := store.ForRun(runID)
		rcfg.Cursor = ledger
		rcfg.Files.Ledger = ledger
	}

	if cfg.Sampler.URL != "" {
		sc, err := sampler.NewHTTPClient(sampler.Config{
			URL:     cfg.Sampler.URL,
			NodeID:  cfg.Sampler.NodeID,
			Timeout: cfg.Sampler.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("sampler: %w", err)
		}
		rcfg.Sampler = sc
		rcfg.Poller = sampler.PollerConfig{
			Interval:  cfg.Sampler.Interval.Duration,
			PID:       cfg.Sampler.PID,
			DeviceIDs: cfg.Sampler.Devices,
		}
	}

	sv.adapter, err = buildAdapter(cfg.Adapter)
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}

	sv.stream, err = runtime.Open(ctx, rcfg)
	if err != nil {
		return nil, err
	}
	return sv, nil
}

// errStopReplay ends resolveDay's scan at the first RunStart.
var errStopReplay = errors.New("stop replay")

// resolveDay picks the storage partition day. A pinned day wins; a resumed
// run keeps the day of its RunStart so its segments stay in one partition;
// otherwise the day is derived from now. A run that never recorded a
// RunStart before midnight may land in the next day's partition.
func resolveDay(ctx context.Context, pinned, logPath string, now time.Time) (string, error) {
	if pinned != "" {
		if _, err := time.Parse("2006-01-02", pinned); err != nil {
			return "", fmt.Errorf("run.day must be YYYY-MM-DD, got %q", pinned)
		}
		return pinned, nil
	}

	if _, err := os.Stat(logPath); err == nil {
		var start time.Time
		err := datastore.Replay(ctx, logPath, func(_ datastore.LogEntry, rec *types.Record) error {
			if rs, ok := rec.Payload.(*types.RunStart); ok {
				start = rs.Run.StartTime
				return errStopReplay
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopReplay) && !types.IsKind(err, types.KindCorruption) {
			return "", err
		}
		if !start.IsZero() {
			return lode.DeriveDay(start), nil
		}
	}
	return lode.DeriveDay(now), nil
}

// serveSocket accepts one client on a unix socket and serves it. A
// shutdown requested before any client connects drives the shutdown
// sequence over an empty stream.
func serveSocket(ctx context.Context, stream *runtime.Stream, path string, stop <-chan struct{}, logger *log.Logger) (*runtime.RunResult, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	defer func() {
		_ = ln.Close()
		_ = os.Remove(path)
	}()
	logger.Info("waiting for client", map[string]any{"socket": path})

	conn, err := acceptOne(ctx, ln, stop)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return stream.Serve(ctx, strings.NewReader(""), io.Discard)
	}
	defer iox.DiscardClose(conn)
	return stream.Serve(ctx, conn, conn)
}

// acceptOne returns the first connection, or nil when stop closes first.
func acceptOne(ctx context.Context, ln net.Listener, stop <-chan struct{}) (net.Conn, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("accept: %w", a.err)
		}
		return a.conn, nil
	case <-stop:
		_ = ln.Close()
		if a := <-ch; a.conn != nil {
			return a.conn, nil
		}
		return nil, nil
	case <-ctx.Done():
		_ = ln.Close()
		<-ch
		return nil, ctx.Err()
	}
}

// buildFinalizedEvent describes the served run for the adapter.
func buildFinalizedEvent(result *runtime.RunResult, cfg *config.Config, logPath string, at time.Time) *adapter.RunFinalizedEvent {
	runID := result.RunID
	if runID == "" {
		runID = cfg.Run.ID
	}
	event := adapter.NewRunFinalizedEvent(runID, at)
	event.Project = cfg.Run.Project
	event.Entity = cfg.Run.Entity
	event.Outcome = string(result.Outcome.Status)
	event.ExitCode = result.Outcome.ExitCode()
	event.RunExitCode = result.State.ExitCode
	event.DeferState = result.State.DeferState.String()
	event.Sealed = result.Sealed()
	event.Resumed = result.Resumed
	event.FailedStates = result.Outcome.FailedStates
	event.LastSeq = result.State.LastSeq
	event.SyncOffset = result.SyncOffset
	event.LogPath = logPath
	event.UploadedBytes = result.FilePusher.UploadedBytes
	event.FailedOperations = result.Operations.Failed()
	event.DurationMs = result.Duration.Milliseconds()
	return event
}

func printRunSummary(w io.Writer, result *runtime.RunResult, policyName string) {
	fmt.Fprintf(w, "\nrun_id=%s, outcome=%s, duration=%s\n",
		result.RunID,
		result.Outcome.Status,
		result.Duration.Round(time.Millisecond),
	)
	fmt.Fprintf(w, "policy=%s, persisted=%d, sync_offset=%d\n",
		policyName,
		result.PolicyStats.RecordsPersisted,
		result.SyncOffset,
	)
	if result.Outcome.Message != "" {
		fmt.Fprintf(w, "message: %s\n", result.Outcome.Message)
	}
	if sr := result.Shutdown; sr != nil {
		fmt.Fprintf(w, "shutdown: %s -> %s (sealed=%t)\n", sr.From, sr.Reached, sr.Sealed)
		for _, st := range sr.States {
			if st.Err != nil {
				fmt.Fprintf(w, "  %s failed: %v\n", st.State, st.Err)
			}
		}
	}
}
