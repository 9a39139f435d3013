package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/applier"
	"github.com/roach88/boardsync/internal/backend"
	"github.com/roach88/boardsync/internal/backendsync"
	"github.com/roach88/boardsync/internal/board"
	"github.com/roach88/boardsync/internal/config"
	"github.com/roach88/boardsync/internal/crosstab"
	"github.com/roach88/boardsync/internal/differ"
	"github.com/roach88/boardsync/internal/eventlog"
	"github.com/roach88/boardsync/internal/host"
	"github.com/roach88/boardsync/internal/ids"
	"github.com/roach88/boardsync/internal/notify"
	"github.com/roach88/boardsync/internal/outbox"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Board    string
	File     string
	Producer string

	// IDGenerator overrides the outbox entry id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator ids.Generator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sync session for one board file",
		Long: `Run a sync session that keeps a board file in step with the shared store
and, when backend.url is configured, with the remote authority.

Every save of the file is diffed against the session's document and
published to other sessions on the same store and to the authority.
Changes arriving from them are written back to the file.

Example:
  boardsync run --board roadmap --file ./roadmap.json
  boardsync run --board roadmap --file ./roadmap.json --config boardsync.yaml -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Board, "board", "", "board id (required)")
	cmd.Flags().StringVar(&opts.File, "file", "", "board file to watch (required)")
	cmd.Flags().StringVar(&opts.Producer, "producer", "", "producer id of this session (default: random)")
	_ = cmd.MarkFlagRequired("board")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runSession(opts *RunOptions, cmd *cobra.Command) error {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	st, cfg, err := opts.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing store", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd, logger)
	defer cancel()

	producer := opts.Producer
	if producer == "" {
		producer = ids.UUIDv7Generator{}.Generate()
	}
	idGen := opts.IDGenerator
	if idGen == nil {
		idGen = ids.UUIDv7Generator{}
	}

	session := host.NewSession(st, host.WithLogger(logger))
	if err := session.Switch(ctx, opts.Board); err != nil {
		return WrapExitError(ExitCommandError, "failed to open board", err)
	}

	mirror := newFileMirror(opts.File, session, logger)
	notifiers := notify.Multi{notify.NewLogger(logger), mirror}

	var metricsHandler http.Handler
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		notifiers = append(notifiers, notify.NewMetrics(reg))
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	coord := crosstab.New(
		eventlog.New(st,
			eventlog.WithMaxAge(cfg.CrossTab.MaxAge),
			eventlog.WithLogger(logger),
		),
		session,
		crosstab.WithProducerID(producer),
		crosstab.WithPollInterval(cfg.CrossTab.PollInterval),
		crosstab.WithNotifier(notifiers),
		crosstab.WithLogger(logger),
	)
	orch := backendsync.New(
		newAdapter(cfg.Backend, producer, logger),
		outbox.NewQueue(st, outbox.WithIDGenerator(idGen), outbox.WithLogger(logger)),
		outbox.NewRevisionStore(st, outbox.WithLogger(logger)),
		session,
		backendsync.WithNotifier(notifiers),
		backendsync.WithLogger(logger),
		backendsync.WithPullInterval(cfg.Backend.PullInterval),
		backendsync.WithRetry(cfg.Backend.RetryInitial, cfg.Backend.RetryMax),
	)
	session.OnSave(coord.OnSave)
	session.OnSave(orch.OnSave)
	session.OnApplied(coord.OnApplied)
	session.OnApplied(orch.OnApplied)

	coord.Prime(ctx)
	if err := orch.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start backend sync", err)
	}

	// Edits made to the file while no session ran are published first.
	if err := mirror.Load(ctx); err != nil {
		logger.Warn("board file not loaded", "file", opts.File, "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch board file", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(mirror.path)); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch board file", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker stopped", "worker", name, "error", err)
				errs <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}
	spawn("crosstab", coord.Run)
	spawn("backend", orch.Run)
	spawn("watcher", func(ctx context.Context) error {
		return mirror.Watch(ctx, watcher)
	})
	if metricsHandler != nil {
		spawn("metrics", func(ctx context.Context) error {
			r := mux.NewRouter()
			r.Handle("/metrics", metricsHandler)
			return serveHTTP(ctx, cfg.Metrics.Addr, r, logger)
		})
	}

	logger.Info("session started",
		"board", opts.Board,
		"file", opts.File,
		"producer", producer,
		"store", cfg.Store.Driver,
		"backend", cfg.Backend.URL,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s as board %q. Press Ctrl-C to stop.\n", opts.File, opts.Board)

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return WrapExitError(ExitFailure, "session error", err)
	}
	logger.Info("session stopped gracefully")
	return nil
}

// newAdapter returns the remote adapter for cfg; an empty URL means local
// only.
func newAdapter(cfg config.Backend, producer string, logger *slog.Logger) backend.Adapter {
	if cfg.URL == "" {
		return backend.Noop{}
	}
	return backend.NewHTTP(cfg.URL,
		backend.WithProducerID(producer),
		backend.WithBreaker(cfg.BreakerFailures, cfg.BreakerTimeout),
		backend.WithHTTPLogger(logger),
	)
}

// signalContext derives a context from the command's that is canceled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// serveHTTP serves handler on addr until ctx is done, then shuts down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// fileMirror keeps a board file and a session's document in step. Saves of
// the file become local edits; remote batches are written back to it.
type fileMirror struct {
	notify.Nop

	path    string
	session *host.Session
	applier *applier.Applier
	logger  *slog.Logger

	mu sync.Mutex
}

func newFileMirror(path string, session *host.Session, logger *slog.Logger) *fileMirror {
	return &fileMirror{
		path:    filepath.Clean(path),
		session: session,
		applier: applier.New(session, applier.WithLogger(logger)),
		logger:  logger,
	}
}

// Load publishes the file's differences from the document as a local edit.
// A missing file is created from the document.
func (m *fileMirror) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return m.writeLocked()
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", m.path, err)
	}
	snap, err := board.Decode(data)
	if err != nil {
		return err
	}
	if err := board.Validate(snap); err != nil {
		return err
	}

	doc := m.session.Document()
	if doc == nil {
		return errors.New("no board open")
	}
	list := differ.Diff(doc.Snapshot(), snap)
	if len(list) == 0 {
		return nil
	}

	res := m.applier.ApplyAll(list)
	m.logger.Debug("file edit applied",
		"file", m.path,
		"ops", len(list),
		"applied", res.Applied,
		"failed", res.Failed,
	)
	if _, err := m.session.Save(ctx); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// Watch reloads the file on every write until ctx is done. Editors that
// save by rename are covered by watching the parent directory.
func (m *fileMirror) Watch(ctx context.Context, w *fsnotify.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != m.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			if err := m.Load(ctx); err != nil {
				m.logger.Warn("board file skipped", "file", m.path, "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watch error", "error", err)
		}
	}
}

// BatchApplied writes remote changes back to the file.
func (m *fileMirror) BatchApplied(notify.BatchApplied) {
	m.write()
}

// FallbackRan writes the reconciled document back to the file.
func (m *fileMirror) FallbackRan(string, int, int64) {
	m.write()
}

func (m *fileMirror) write() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeLocked(); err != nil {
		m.logger.Error("board file not written", "file", m.path, "error", err)
	}
}

// writeLocked replaces the file through a rename so the watcher never reads
// a partial document.
func (m *fileMirror) writeLocked() error {
	doc := m.session.Document()
	if doc == nil {
		return nil
	}
	data, err := doc.Snapshot().Encode()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".boardsync-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), m.path)
}
