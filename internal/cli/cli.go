// ============================================================================
// GearGuard CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for mounting, inspecting and driving the board
//
// Command Structure:
//   gearguard                      # Root command
//   ├── run                        # Mount the board until SIGINT/SIGTERM
//   ├── board                      # One poll, render the four columns
//   │   └── --output, -o          # table | yaml
//   ├── move <id> <status>         # Poll, move one card, wait for the server
//   │   └── --wait                # How long to wait for confirmation
//   ├── calendar                   # Scheduled requests
//   │   └── --from / --days
//   ├── history                    # Resolved moves from the journal
//   │   └── --limit / --rotate
//   ├── serve                      # Development backend (HTTP + gRPC)
//   ├── status                     # Config summary
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config, build logger
//   2. Build transport (http | grpc), cache, journal and metrics
//   3. Mount the board (cache restore, first poll, loops)
//   4. Start metrics HTTP server (if enabled)
//   5. Print a column summary whenever it changes
//   6. On SIGINT/SIGTERM unmount: stop polling, drain writes, final cache
//
// Exit codes:
//   move returns an error (non-zero exit) when the server rejects the change
//   and the card is rolled back.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/gearguard-board/internal/board"
	"github.com/ChuLiYu/gearguard-board/internal/config"
	"github.com/ChuLiYu/gearguard-board/internal/logger"
	"github.com/ChuLiYu/gearguard-board/internal/metrics"
	"github.com/ChuLiYu/gearguard-board/internal/poller"
	"github.com/ChuLiYu/gearguard-board/internal/server"
	"github.com/ChuLiYu/gearguard-board/internal/snapshot"
	"github.com/ChuLiYu/gearguard-board/internal/storage/journal"
	"github.com/ChuLiYu/gearguard-board/internal/transport"
	"github.com/ChuLiYu/gearguard-board/internal/worker"
	"github.com/ChuLiYu/gearguard-board/pkg/types"
)

// Version is reported by --version.
const Version = "1.0.0"

var errMoveRolledBack = errors.New("status change was rolled back")

type options struct {
	configFile string
}

func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "gearguard",
		Short: "GearGuard: optimistic maintenance board sync",
		Long: `GearGuard keeps a local maintenance-request board consistent with the server:
- background polling with stale-response protection
- optimistic drag-and-drop with rollback on rejection
- warm start from a file or Redis cache
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildBoardCommand(opts))
	rootCmd.AddCommand(buildMoveCommand(opts))
	rootCmd.AddCommand(buildCalendarCommand(opts))
	rootCmd.AddCommand(buildHistoryCommand(opts))
	rootCmd.AddCommand(buildServeCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the board and keep it in sync until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBoard(ctx, opts.configFile, cmd.OutOrStdout())
		},
	}
}

func runBoard(ctx context.Context, configFile string, out io.Writer) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	collector := metrics.NewCollector(nil)
	b, closeTransport, err := buildBoard(cfg, log, collector, boardOptions{cache: true, journal: true})
	if err != nil {
		return err
	}
	defer closeTransport()

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: collector.Handler(),
		}
		go func() {
			log.Info("metrics server listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	changed := make(chan struct{}, 1)
	unsubscribe := b.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := b.Start(ctx); err != nil {
		unsubscribe()
		b.Stop()
		return fmt.Errorf("failed to mount board: %w", err)
	}

	last := ""
	report := func() {
		line := summaryLine(b.Store().Stats())
		if line != last {
			fmt.Fprintln(out, line)
			last = line
		}
	}
	report()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, unmounting board")
			unsubscribe()
			b.Stop()
			return nil
		case <-changed:
			report()
		}
	}
}

// ============================================================================
// board
// ============================================================================

func buildBoardCommand(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "board",
		Short: "Fetch the requests once and render the board columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showBoard(cmd.Context(), opts.configFile, output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table | yaml")
	return cmd
}

func showBoard(ctx context.Context, configFile, output string, out io.Writer) error {
	if output != "table" && output != "yaml" {
		return fmt.Errorf("unknown output format %q", output)
	}

	b, cleanup, err := oneShotBoard(ctx, configFile)
	if err != nil {
		return err
	}
	defer cleanup()

	if output == "yaml" {
		return renderYAML(out, b.Columns())
	}
	renderColumns(out, b.Columns(), pendingSet(b))
	return nil
}

// ============================================================================
// move
// ============================================================================

func buildMoveCommand(opts *options) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move one request to another column and wait for the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			return moveRequest(cmd.Context(), opts.configFile, types.RequestID(id), types.Status(args[1]), wait, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for the server to confirm")
	return cmd
}

func moveRequest(ctx context.Context, configFile string, id types.RequestID, target types.Status, wait time.Duration, out io.Writer) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	b, closeTransport, err := buildBoard(cfg, log, nil, boardOptions{journal: true})
	if err != nil {
		return err
	}
	defer closeTransport()
	defer b.Stop()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("failed to mount board: %w", err)
	}

	m, err := b.Move(id, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "moved #%d %s → %s (pending)\n", id, m.PreviousStatus, m.ProposedStatus)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	resolved, err := b.Await(waitCtx, m)
	if err != nil {
		return fmt.Errorf("waiting for request %d: %w", id, err)
	}

	switch resolved.State {
	case types.MutationConfirmed:
		fmt.Fprintf(out, "confirmed #%d %s\n", id, resolved.ProposedStatus)
		return nil
	case types.MutationRolledBack:
		fmt.Fprintf(out, "rolled back #%d to %s\n", id, resolved.PreviousStatus)
		return fmt.Errorf("request %d: %w", id, errMoveRolledBack)
	default:
		fmt.Fprintf(out, "#%d %s\n", id, resolved.State)
		return nil
	}
}

// ============================================================================
// calendar
// ============================================================================

func buildCalendarCommand(opts *options) *cobra.Command {
	var from string
	var days int

	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "List scheduled maintenance in a date window",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Time{}
			if from != "" {
				parsed, err := time.Parse("2006-01-02", from)
				if err != nil {
					return fmt.Errorf("invalid --from %q, expected YYYY-MM-DD", from)
				}
				start = parsed
			}
			end := time.Time{}
			if days > 0 && !start.IsZero() {
				end = start.AddDate(0, 0, days)
			}

			b, cleanup, err := oneShotBoard(cmd.Context(), opts.configFile)
			if err != nil {
				return err
			}
			defer cleanup()

			renderCalendar(cmd.OutOrStdout(), b.Calendar(start, end))
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (YYYY-MM-DD); empty lists everything")
	cmd.Flags().IntVar(&days, "days", 7, "window length in days when --from is set")
	return cmd
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand(opts *options) *cobra.Command {
	var limit int
	var rotate bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show resolved moves recorded in the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}
			if err := showHistory(cmd.OutOrStdout(), cfg.Journal.Path, limit); err != nil {
				return err
			}
			if rotate {
				return rotateJournal(cmd.OutOrStdout(), cfg.Journal.Path)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "show at most this many recent entries (0 for all)")
	cmd.Flags().BoolVar(&rotate, "rotate", false, "archive the journal (gzip) after printing")
	return cmd
}

func showHistory(out io.Writer, path string, limit int) error {
	entries, err := journal.ReadEntries(path)
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no resolved moves")
		return nil
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	renderHistory(out, entries)
	return nil
}

func rotateJournal(out io.Writer, path string) error {
	j, err := journal.Open(path, journal.Options{})
	if err != nil {
		return err
	}
	archive, err := j.Rotate()
	if closeErr := j.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to rotate journal: %w", err)
	}
	fmt.Fprintf(out, "archived to %s\n", archive)
	return nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the development backend (HTTP + gRPC)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts.configFile)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			seed, err := server.LoadSeed(cfg.Server.SeedFile, time.Now())
			if err != nil {
				return err
			}
			table, err := server.NewTable(seed, cfg.Server.RejectTerminal)
			if err != nil {
				return err
			}

			collector := metrics.NewCollector(nil)
			srv := server.New(server.Config{
				HTTPAddr: fmt.Sprintf(":%d", cfg.Server.HTTPPort),
				GRPCAddr: fmt.Sprintf(":%d", cfg.Server.GRPCPort),
			}, table, log, collector.Handler())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			showStatus(cmd.OutOrStdout(), opts.configFile, cfg)
			return nil
		},
	}
}

func showStatus(out io.Writer, configFile string, cfg *config.Config) {
	fmt.Fprintln(out, "GearGuard Board Status")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Board:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Board ID:        %s\n", cfg.Board.ID)
	fmt.Fprintf(out, "  ├─ Poll Interval:   %s\n", cfg.Board.PollInterval)
	fmt.Fprintf(out, "  └─ Fetch Timeout:   %s\n", cfg.Board.FetchTimeout)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Transport:")
	fmt.Fprintf(out, "  ├─ Kind:            %s\n", cfg.Transport.Kind)
	if cfg.Transport.Kind == config.TransportGRPC {
		fmt.Fprintf(out, "  ├─ Address:         %s\n", cfg.Transport.GRPCAddr)
	} else {
		fmt.Fprintf(out, "  ├─ Base URL:        %s\n", cfg.Transport.BaseURL)
	}
	fmt.Fprintf(out, "  └─ Persist Timeout: %s (%d workers)\n", cfg.Transport.PersistTimeout, cfg.Worker.Count)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Cache:")
	fmt.Fprintf(out, "  ├─ Backend:         %s\n", cfg.Cache.Backend)
	switch cfg.Cache.Backend {
	case snapshot.BackendFile:
		state := "missing"
		if snapshot.NewManager(cfg.Cache.Path).Exists() {
			state = "present"
		}
		fmt.Fprintf(out, "  └─ Path:            %s (%s)\n", cfg.Cache.Path, state)
	case snapshot.BackendRedis:
		fmt.Fprintf(out, "  └─ Redis:           %s (ttl %s)\n", cfg.Cache.RedisURL, cfg.Cache.TTL)
	default:
		fmt.Fprintln(out, "  └─ Disabled")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Journal:")
	if cfg.Journal.Path == "" {
		fmt.Fprintln(out, "  └─ Disabled")
	} else if stats, err := journal.GetStats(cfg.Journal.Path); err != nil {
		fmt.Fprintf(out, "  └─ Path:            %s (unreadable: %v)\n", cfg.Journal.Path, err)
	} else {
		fmt.Fprintf(out, "  └─ Path:            %s (%d entries)\n", cfg.Journal.Path, stats.Total)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Disabled")
	}
}

// ============================================================================
// helpers
// ============================================================================

func setup(configFile string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

// boardOptions selects the optional sinks. Short-lived commands skip the
// cache so they never overwrite it.
type boardOptions struct {
	cache   bool
	journal bool
}

// buildBoard wires transport, cache, journal and metrics into a board.
func buildBoard(cfg *config.Config, log *zap.Logger, collector *metrics.Collector, bo boardOptions) (*board.Board, func(), error) {
	var (
		fetcher   poller.Fetcher
		persister worker.StatusPersister
		closeFn   = func() {}
	)

	switch cfg.Transport.Kind {
	case config.TransportGRPC:
		client, err := transport.DialGRPC(cfg.Transport.GRPCAddr, log.Named("grpc"))
		if err != nil {
			return nil, nil, err
		}
		fetcher, persister = client, client
		closeFn = func() { _ = client.Close() }
	default:
		client, err := transport.NewHTTPClient(cfg.Transport.BaseURL, nil, log.Named("http"))
		if err != nil {
			return nil, nil, err
		}
		fetcher, persister = client, client
	}

	var cache snapshot.Cache = snapshot.Nop{}
	if bo.cache {
		c, err := snapshot.Open(snapshot.Config{
			Backend:  cfg.Cache.Backend,
			Path:     cfg.Cache.Path,
			RedisURL: cfg.Cache.RedisURL,
			BoardID:  cfg.Board.ID,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			log.Warn("board cache unavailable, continuing without it", zap.Error(err))
		} else {
			cache = c
		}
	}

	var moves board.Journal
	if bo.journal && cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			SyncOnAppend:  cfg.Journal.SyncOnAppend,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval,
		})
		if err != nil {
			log.Warn("journal unavailable, continuing without it", zap.Error(err))
		} else {
			moves = j
		}
	}

	b, err := board.New(board.Config{
		PollInterval:   cfg.Board.PollInterval,
		FetchTimeout:   cfg.Board.FetchTimeout,
		WorkerCount:    cfg.Worker.Count,
		BufferSize:     cfg.Worker.BufferSize,
		PersistTimeout: cfg.Transport.PersistTimeout,
		CacheInterval:  cfg.Cache.Interval,
	}, board.Deps{
		Fetcher:   fetcher,
		Persister: persister,
		Cache:     cache,
		Journal:   moves,
		Metrics:   collector,
		Logger:    log.Named("board"),
	})
	if err != nil {
		closeFn()
		_ = cache.Close()
		if moves != nil {
			_ = moves.Close()
		}
		return nil, nil, err
	}
	return b, closeFn, nil
}

// oneShotBoard builds a board and runs a single poll without mounting it.
func oneShotBoard(ctx context.Context, configFile string) (*board.Board, func(), error) {
	cfg, log, err := setup(configFile)
	if err != nil {
		return nil, nil, err
	}

	b, closeTransport, err := buildBoard(cfg, log, nil, boardOptions{})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		b.Stop()
		closeTransport()
		_ = log.Sync()
	}

	if _, err := b.Refresh(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return b, cleanup, nil
}

func pendingSet(b *board.Board) map[types.RequestID]bool {
	out := make(map[types.RequestID]bool)
	for _, m := range b.Store().Pending() {
		out[m.RequestID] = true
	}
	return out
}
