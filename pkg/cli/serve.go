package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/stagepipe/pkg/gateway"
	"github.com/jguan/stagepipe/pkg/infra/logger"
)

func NewServeCommand(root *RootCommand) *cobra.Command {
	var (
		addr    string
		tlsCert string
		tlsKey  string
		noSweep bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and its HTTP API",
		Long: `Start the orchestrator, the stage dispatcher, the supervisory sweep and
the HTTP run-control API.

Any number of serve processes may share one SQLite file or DynamoDB table;
runs are coordinated through the document revision, not the process.`,
		Example: `  # Start with default settings
  stagepipe serve

  # Listen elsewhere
  stagepipe serve --addr 0.0.0.0:9190

  # Start with TLS
  stagepipe serve --tls-cert /path/to/cert.pem --tls-key /path/to/key.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config()
			if addr != "" {
				cfg.API.ListenAddr = addr
			}
			if tlsCert != "" || tlsKey != "" {
				cfg.API.TLSCert, cfg.API.TLSKey = tlsCert, tlsKey
			}
			if noSweep {
				cfg.Sweep.Enabled = false
			}
			return runServe(cmd.Context(), root)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Do not run the supervisory sweep in this process")

	return cmd
}

func runServe(ctx context.Context, root *RootCommand) error {
	cfg := root.Config()
	log := logger.Default()

	app, err := BuildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()

	server := gateway.NewServer(app.Orchestrator, app.ServerConfig())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sweepDone := make(chan error, 1)
	if cfg.Sweep.Enabled {
		go func() { sweepDone <- app.Sweeper.Run(ctx, cfg.Sweep.IntervalD) }()
	} else {
		close(sweepDone)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	log.Info("stagepipe serving",
		"addr", cfg.API.ListenAddr,
		"pipeline", app.Registry.Name(),
		"store", cfg.Store.Backend,
		"sweep", cfg.Sweep.Enabled)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if stopErr := server.Stop(stopCtx); stopErr != nil {
		log.Warn("http server stop", "error", stopErr)
	}
	if sweepErr := <-sweepDone; sweepErr != nil && !errors.Is(sweepErr, context.Canceled) {
		log.Warn("sweep stopped", "error", sweepErr)
	}
	return err
}
