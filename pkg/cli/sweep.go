package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/stagepipe/pkg/infra/logger"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

func NewSweepCommand(root *RootCommand) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one supervisory sweep",
		Long: `Scan active runs once: stage attempts past their timeout are failed as
infrastructure failures (and retried when attempts remain), and joined groups
that were never released are released.

Retries are dispatched from this process, which waits for them up to --wait.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), root, wait)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for re-dispatched stages")
	return cmd
}

func runSweep(ctx context.Context, root *RootCommand, wait time.Duration) error {
	app, err := BuildApp(ctx, root.Config(), logger.Default())
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	drainDispatcher(waitCtx, app)

	return PrintOutput(newSweepRow(app.Registry.Name(), report), root.OutputOptions())
}

type sweepRow struct {
	Pipeline string `json:"pipeline"`
	Scanned  int    `json:"scanned"`
	TimedOut int    `json:"timed_out"`
	Released int    `json:"released"`
	Errors   int    `json:"errors"`
}

func newSweepRow(name string, r pipeline.SweepReport) sweepRow {
	return sweepRow{
		Pipeline: name,
		Scanned:  r.Scanned,
		TimedOut: r.TimedOut,
		Released: r.Released,
		Errors:   r.Errors,
	}
}

// drainDispatcher waits for in-flight attempts until ctx ends.
func drainDispatcher(ctx context.Context, app *App) {
	done := make(chan struct{})
	go func() {
		app.Dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("stopped waiting for dispatched stages; the next sweep picks them up")
	}
}
