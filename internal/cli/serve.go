package cli

import (
	"fmt"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/boardsync/internal/authority"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference remote authority",
		Long: `Serve the remote authority that devices push operation batches to and
pull them from. Board histories live in the configured store.

Endpoints:
  POST /boards/{board}/ops   push a batch at a base revision
  GET  /boards/{board}/ops   pull batches since a revision
  GET  /healthz              liveness
  GET  /metrics              Prometheus metrics

Example:
  boardsync serve --addr :8080 --db ./authority.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.PathPrefix("/").Handler(authority.New(st, authority.WithLogger(logger)))

	logger.Info("authority starting", "addr", opts.Addr, "store", cfg.Store.Driver)
	fmt.Fprintf(cmd.OutOrStdout(), "Authority listening on %s. Press Ctrl-C to stop.\n", opts.Addr)

	if err := serveHTTP(ctx, opts.Addr, r, logger); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("authority stopped gracefully")
	return nil
}
