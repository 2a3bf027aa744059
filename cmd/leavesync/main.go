// LeaveSync mirrors approved vacation requests from the HR MongoDB collection
// into a shared Google Calendar and imports external busy time back for
// conflict checks.
//
// Usage:
//
//	leavesync daemon [--config <path>]        # periodic sync + import, admin API
//	leavesync serve [--config <path>]         # admin API only
//	leavesync sync-all [--config <path>]      # one outbound pass then exit
//	leavesync sync-one <id> [--config ...]    # reconcile a single request
//	leavesync import [--config <path>]        # one inbound import then exit
//	leavesync relink [--config <path>]        # adopt existing calendar events
//	leavesync conflicts --company <tag> --start <date> --end <date> [--exclude <id>]
//	leavesync status [--limit N]              # sync state and recent runs
//	leavesync version                         # print version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/leavesync/internal/api"
	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/config"
	"github.com/njoerd114/leavesync/internal/conflict"
	"github.com/njoerd114/leavesync/internal/mapper"
	"github.com/njoerd114/leavesync/internal/model"
	"github.com/njoerd114/leavesync/internal/state"
	"github.com/njoerd114/leavesync/internal/store"
	syncp "github.com/njoerd114/leavesync/internal/sync"
	"github.com/njoerd114/leavesync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "daemon":
		return runDaemon(args, true)
	case "serve":
		return runDaemon(args, false)
	case "sync-all":
		return runSyncAll(args)
	case "sync-one":
		return runSyncOne(args)
	case "import":
		return runImport(args)
	case "relink":
		return runRelink(args)
	case "conflicts":
		return runConflicts(args)
	case "status":
		return runStatus(args)
	case "version":
		fmt.Println("leavesync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q; run 'leavesync help' for usage", cmd)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "LeaveSync: vacation requests to Google Calendar")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  leavesync daemon              Periodic sync and import, plus the admin API")
	fmt.Fprintln(os.Stderr, "  leavesync serve               Admin API only")
	fmt.Fprintln(os.Stderr, "  leavesync sync-all            One outbound pass then exit")
	fmt.Fprintln(os.Stderr, "  leavesync sync-one <id>       Reconcile a single request")
	fmt.Fprintln(os.Stderr, "  leavesync import              One inbound import then exit")
	fmt.Fprintln(os.Stderr, "  leavesync relink              Link existing calendar events to requests")
	fmt.Fprintln(os.Stderr, "  leavesync conflicts           Query overlaps (--company --start --end [--exclude])")
	fmt.Fprintln(os.Stderr, "  leavesync status              Show sync state and recent runs")
	fmt.Fprintln(os.Stderr, "  leavesync version             Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command accepts --config <path> and --verbose.")
}

// --- Flags -------------------------------------------------------------------

type commonFlags struct {
	config  *string
	verbose *bool
}

func newFlagSet(name string) (*flag.FlagSet, commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	return fs, commonFlags{
		config:  fs.String("config", defaultCfg, "path to config.yaml"),
		verbose: fs.Bool("verbose", false, "enable debug logging"),
	}
}

// --- Subcommands -------------------------------------------------------------

// runDaemon starts the admin API and, when periodic is set, the sync engine.
func runDaemon(args []string, periodic bool) error {
	fs, common := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := wire(ctx, *common.config, *common.verbose)
	if err != nil {
		return err
	}
	defer a.close()

	server := api.NewServer(a.engine, a.logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("admin API listening", "addr", a.cfg.HTTP.Listen)
		return server.Listen(gctx, a.cfg.HTTP.Listen)
	})
	if periodic {
		g.Go(func() error {
			a.logger.Info("daemon starting",
				"sync_interval", a.cfg.SyncInterval,
				"import_interval", a.cfg.ImportInterval,
			)
			if err := a.engine.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync engine: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func runSyncAll(args []string) error {
	fs, common := newFlagSet("sync-all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(*common.config, *common.verbose, func(ctx context.Context, a *app) error {
		batch, err := a.engine.SyncAll(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("sync complete",
			"synced", batch.Synced,
			"skipped", batch.Skipped,
			"failed", batch.Failed,
		)
		return printJSON(batch)
	})
}

func runSyncOne(args []string) error {
	fs, common := newFlagSet("sync-one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("sync-one takes exactly one request id")
	}
	id := fs.Arg(0)
	return withApp(*common.config, *common.verbose, func(ctx context.Context, a *app) error {
		res := a.engine.SyncOne(ctx, id)
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Err != nil {
			return fmt.Errorf("syncing request %s: %w", id, res.Err)
		}
		return nil
	})
}

func runImport(args []string) error {
	fs, common := newFlagSet("import")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(*common.config, *common.verbose, func(ctx context.Context, a *app) error {
		res, err := a.engine.ImportRemoteChanges(ctx)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func runRelink(args []string) error {
	fs, common := newFlagSet("relink")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return withApp(*common.config, *common.verbose, func(ctx context.Context, a *app) error {
		relinker := syncp.NewRelinker(a.requests, a.calendar, a.mapper, a.cfg.Calendar.TargetCalendarID, a.logger, os.Stdin, os.Stdout)
		n, err := relinker.Run(ctx)
		if err != nil {
			return fmt.Errorf("relinking events: %w", err)
		}
		fmt.Printf("Linked %d request(s).\n", n)
		return nil
	})
}

func runConflicts(args []string) error {
	fs, common := newFlagSet("conflicts")
	company := fs.String("company", "", "company scope to check")
	startArg := fs.String("start", "", "first day of the range (YYYY-MM-DD)")
	endArg := fs.String("end", "", "last day of the range (YYYY-MM-DD)")
	exclude := fs.String("exclude", "", "request id to leave out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *company == "" {
		return fmt.Errorf("--company is required")
	}
	start, err := model.ParseDate(*startArg)
	if err != nil {
		return fmt.Errorf("--start: %w", err)
	}
	end, err := model.ParseDate(*endArg)
	if err != nil {
		return fmt.Errorf("--end: %w", err)
	}

	return withApp(*common.config, *common.verbose, func(ctx context.Context, a *app) error {
		found, err := a.engine.FindConflicts(ctx, *company, start, end, *exclude)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}
		for _, c := range found {
			fmt.Printf("  %-9s %s .. %s  %s (%s)\n", c.Kind, c.StartDate, c.EndDate, c.Requester, c.ID)
		}
		return nil
	})
}

// runStatus reads the local state DB only; it does not contact MongoDB or
// the calendar provider.
func runStatus(args []string) error {
	fs, common := newFlagSet("status")
	limit := fs.Int("limit", 10, "number of recent runs to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*common.config)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *common.config, err)
	}
	dbPath, err := stateDBPath(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("State DB:  not found (%s)\n", dbPath)
		return nil
	}

	st, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer st.Close()

	ctx := context.Background()
	ss, err := st.GetSyncState(ctx)
	if err != nil {
		return err
	}
	logs, err := st.RecentLogs(ctx, *limit)
	if err != nil {
		return err
	}

	fmt.Println("LeaveSync Status")
	fmt.Println("----------------")
	fmt.Printf("  Config:     %s\n", *common.config)
	fmt.Printf("  Target:     %s\n", cfg.Calendar.TargetCalendarID)
	fmt.Printf("  State DB:   %s (%s)\n", dbPath, humanSize(info.Size()))
	if ss.LastRunAt.IsZero() {
		fmt.Println("  Last import: never")
	} else {
		fmt.Printf("  Last import: %s (%s)\n", ss.LastRunAt.Local().Format(time.DateTime), ss.LastResult)
	}
	if ss.LastError != "" {
		fmt.Printf("  Last error:  %s\n", ss.LastError)
	}
	fmt.Printf("  Imported:    %d event(s) total\n", ss.ImportedCounter)
	fmt.Printf("  Cursor:      %s\n", cursorLabel(ss.Cursor))

	if len(logs) > 0 {
		fmt.Println("")
		fmt.Println("Recent runs:")
		for _, e := range logs {
			fmt.Printf("  %s  %-8s %-8s +%d ~%d -%d %s\n",
				e.StartedAt.Local().Format(time.DateTime), e.Kind, e.Status,
				e.Inserted, e.Updated, e.Deleted, e.Error)
		}
	}
	return nil
}

// --- Wiring ------------------------------------------------------------------

// app holds every wired component for one process.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	requests *store.RequestStore
	calendar *calendar.Adapter
	state    *state.Store
	mapper   *mapper.Mapper
	engine   *syncp.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// withApp wires the application, runs fn under a signal-aware context and
// tears everything down afterwards.
func withApp(cfgPath string, verbose bool, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := wire(ctx, cfgPath, verbose)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// wire loads config and connects every dependency. On error, anything
// already opened is closed again.
func wire(ctx context.Context, cfgPath string, verbose bool) (_ *app, err error) {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	a.cfg = cfg
	logger.Info("config loaded",
		"database", cfg.Mongo.Database,
		"target_calendar", cfg.Calendar.TargetCalendarID,
		"companies", len(cfg.Companies),
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		}
		shutdownTel, telErr := telemetry.Setup(ctx, telCfg)
		if telErr != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", telErr)
		} else {
			logger = slog.New(telemetry.NewLogHandler(textHandler, telemetry.DefaultServiceName))
			slog.SetDefault(logger)
			a.logger = logger
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	// --- State DB ------------------------------------------------------------

	dbPath, err := stateDBPath(cfg)
	if err != nil {
		return nil, err
	}
	st, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	a.state = st
	a.closers = append(a.closers, func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	})
	logger.Info("state DB opened", "path", dbPath)

	// --- Request store -------------------------------------------------------

	client, err := store.NewClient(ctx, cfg.Mongo.URI)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w\n\nCheck mongo.uri in your config file", err)
	}
	a.closers = append(a.closers, func() { disconnect(client, logger) })

	requests := store.NewRequestStore(client.Database(cfg.Mongo.Database), store.Options{
		Collection:   cfg.Mongo.Collection,
		DateLocation: cfg.Mongo.DateLocation(),
	}, logger)
	if err := requests.EnsureIndexes(ctx); err != nil {
		logger.Warn("ensuring request indexes failed", "error", err)
	}
	a.requests = requests
	logger.Info("request store ready", "collection", cfg.Mongo.Collection)

	// --- Calendar provider ---------------------------------------------------

	cal, err := calendar.NewAdapter(ctx, cfg.Calendar.CredentialsFile, calendar.Options{
		Timeout:     cfg.Calendar.Timeout,
		MaxAttempts: cfg.Calendar.MaxAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialising Google Calendar client: %w", err)
	}
	a.calendar = cal

	// --- Engine --------------------------------------------------------------

	a.mapper = mapper.New(cfg.Companies)
	detector := conflict.NewDetector(requests, st, logger)
	reconciler := syncp.NewReconciler(requests, cal, a.mapper, detector, st, cfg.Calendar.TargetCalendarID, logger)
	importer := syncp.NewImporter(requests, cal, st, cfg.SourceCalendar(), cfg.Calendar.SourceScope, logger)
	a.engine = syncp.NewEngine(reconciler, importer, detector, st, cfg.SyncInterval, cfg.ImportInterval, logger)

	return a, nil
}

func stateDBPath(cfg *config.Config) (string, error) {
	if cfg.StateDB != "" {
		return cfg.StateDB, nil
	}
	p, err := state.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving state DB path: %w", err)
	}
	return p, nil
}

func disconnect(client *mongo.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Error("disconnecting from MongoDB", "error", err)
	}
}

// --- Output ------------------------------------------------------------------

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cursorLabel(c string) string {
	if c == "" {
		return "none (next import is a full listing)"
	}
	return c
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
