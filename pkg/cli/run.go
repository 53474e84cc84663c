package cli

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jguan/stagepipe/pkg/gateway"
	"github.com/jguan/stagepipe/pkg/pipeline"
)

func NewRunCommand(root *RootCommand) *cobra.Command {
	var (
		server string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and control runs on a stagepipe server",
		Long: `Start, inspect and control runs through the HTTP API of a running
"stagepipe serve". The server address and API key default to the api section
of the config.`,
	}

	cmd.PersistentFlags().StringVar(&server, "server", "", "Server base URL (default from api.listen_addr)")
	cmd.PersistentFlags().StringVar(&token, "token", "", "API key (default from api.api_key)")

	client := func() *Client {
		cfg := root.Config()
		base := server
		if base == "" {
			scheme := "http"
			if cfg.API.TLSCert != "" {
				scheme = "https"
			}
			base = scheme + "://" + cfg.API.ListenAddr
		}
		key := token
		if key == "" {
			if keys := splitKeys(cfg.API.APIKey); len(keys) > 0 {
				key = keys[0]
			}
		}
		return NewClient(base, key)
	}

	cmd.AddCommand(
		newRunStartCommand(root, client),
		newRunGetCommand(root, client),
		newRunControlCommand(root, client, "pause", "Pause a run at its next stage boundary"),
		newRunControlCommand(root, client, "resume", "Resume a paused run"),
		newRunControlCommand(root, client, "cancel", "Cancel a run; in-flight stages finish but nothing new is dispatched"),
		newRunEditCommand(root, client),
		newRunProgressCommand(root, client),
	)
	return cmd
}

func newRunStartCommand(root *RootCommand, client func() *Client) *cobra.Command {
	var (
		owner  string
		prompt string
		params map[string]string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run",
		Example: `  stagepipe run start --prompt "a pricing table with three tiers"
  stagepipe run start --prompt "login form" --param framework=react --param theme=dark`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			req := gateway.StartRunRequest{OwnerID: owner, Prompt: prompt}
			if len(params) > 0 {
				req.Params = make(map[string]any, len(params))
				for k, v := range params {
					req.Params[k] = v
				}
			}
			created, err := client().StartRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			return PrintOutput(created, root.OutputOptions())
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the run")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Generation prompt")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Run parameter as key=value (repeatable)")
	return cmd
}

func newRunGetCommand(root *RootCommand, client func() *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRun(doc, root.OutputOptions())
		},
	}
}

func newRunControlCommand(root *RootCommand, client func() *Client, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := client().Control(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			return printRun(doc, root.OutputOptions())
		},
	}
}

func newRunEditCommand(root *RootCommand, client func() *Client) *cobra.Command {
	var instructions map[string]string

	cmd := &cobra.Command{
		Use:   "edit <baseline-run-id>",
		Short: "Start an edit session from a finished run",
		Long: `Start a new run that re-executes the pipeline from the earliest stage
given an instruction, reusing the baseline's outputs of every stage upstream
of it. The baseline run is not modified.`,
		Example: `  stagepipe run edit 3f2c... --instruct styling="use a dark palette"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(instructions) == 0 {
				return fmt.Errorf("at least one --instruct stage=text is required")
			}
			created, err := client().Edit(cmd.Context(), args[0], instructions)
			if err != nil {
				return err
			}
			return PrintOutput(created, root.OutputOptions())
		},
	}

	cmd.Flags().StringToStringVar(&instructions, "instruct", nil, "Edit instruction as stage=text (repeatable)")
	return cmd
}

func newRunProgressCommand(root *RootCommand, client func() *Client) *cobra.Command {
	var (
		follow bool
		stage  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "progress <run-id>",
		Short: "Show the progress of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.OutputOptions()
			if follow {
				return client().Follow(cmd.Context(), args[0], func(ev pipeline.ProgressEvent) {
					printProgressLine(ev, opts)
				})
			}
			events, err := client().Progress(cmd.Context(), args[0], stage, limit)
			if err != nil {
				return err
			}
			return PrintOutput(events, opts)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream progress until the run finishes")
	cmd.Flags().StringVar(&stage, "stage", "", "Only events of this stage")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events")
	return cmd
}

func printProgressLine(ev pipeline.ProgressEvent, opts *OutputOptions) {
	if opts.Quiet {
		return
	}
	if opts.Format != OutputTable {
		b, _ := json.Marshal(ev)
		fmt.Fprintf(opts.Writer, "%s\n", b)
		return
	}
	stage := ev.StageID
	if stage == "" {
		stage = "run"
	}
	fmt.Fprintf(opts.Writer, "%s  r%-3d %-14s %-10s %s\n",
		ev.Timestamp.Format("15:04:05"), ev.Revision, stage, ev.Status, ev.Message)
}

type runSummary struct {
	RunID         string `json:"run_id"`
	Pipeline      string `json:"pipeline"`
	Status        string `json:"status"`
	Revision      int64  `json:"revision"`
	CurrentStage  string `json:"current_stage"`
	Completed     string `json:"completed"`
	InFlight      string `json:"in_flight"`
	FailedStage   string `json:"failed_stage"`
	FailureReason string `json:"failure_reason"`
	Baseline      string `json:"baseline"`
	UpdatedAt     string `json:"updated_at"`
}

// printRun shows a summary as a table and the whole document otherwise.
func printRun(doc *pipeline.Document, opts *OutputOptions) error {
	if opts.Format != OutputTable {
		return PrintOutput(doc, opts)
	}

	status := string(doc.Status)
	switch {
	case doc.CancelRequested && !doc.Status.IsTerminal():
		status += " (cancelling)"
	case doc.PauseRequested:
		status += " (pausing)"
	}

	s := runSummary{
		RunID:         doc.RunID,
		Pipeline:      doc.Pipeline,
		Status:        status,
		Revision:      doc.Revision,
		CurrentStage:  doc.CurrentStage,
		Completed:     strings.Join(slices.Sorted(maps.Keys(doc.StageOutputs)), ","),
		InFlight:      strings.Join(doc.InFlight(), ","),
		FailedStage:   doc.FailedStage,
		FailureReason: doc.FailureReason,
		UpdatedAt:     formatValue(doc.UpdatedAt),
	}
	if doc.Baseline != nil {
		s.Baseline = fmt.Sprintf("%s@%d", doc.Baseline.RunID, doc.Baseline.Revision)
	}
	return PrintOutput(s, opts)
}
