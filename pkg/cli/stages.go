package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

func NewStagesCommand(root *RootCommand) *cobra.Command {
	var (
		file string
		list bool
	)

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Show and validate the stage registry",
		Long: `Load the stage registry (from --file, the configured definition file or
the predefined pipeline), validate it and print its stages in execution order.`,
		Example: `  stagepipe stages
  stagepipe stages --file pipeline.yaml
  stagepipe stages -o yaml > pipeline.yaml
  stagepipe stages --list`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := root.OutputOptions()
			if list {
				return PrintOutput(pipeline.ListPredefinedRegistries(), opts)
			}

			registry, err := loadRegistry(root.Config(), file)
			if err != nil {
				return err
			}
			if opts.Format == OutputYAML {
				if opts.Quiet {
					return nil
				}
				out, err := registry.ToYAML()
				if err != nil {
					return err
				}
				_, err = opts.Writer.Write(out)
				return err
			}
			if opts.Format == OutputJSON {
				return PrintOutput(registry.Definition(), opts)
			}
			return PrintOutput(stageRows(registry), opts)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Registry definition file (YAML or JSON)")
	cmd.Flags().BoolVar(&list, "list", false, "List the predefined registries")
	return cmd
}

type stageRow struct {
	Step        int           `json:"step"`
	ID          string        `json:"id"`
	After       string        `json:"after"`
	Group       string        `json:"group"`
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"`
}

func stageRows(registry *pipeline.Registry) []stageRow {
	var (
		rows []stageRow
		step int
		seen = map[string]bool{}
	)
	for _, spec := range registry.Stages() {
		key := spec.ID
		if spec.Group != "" {
			key = "group:" + spec.Group
		}
		if !seen[key] {
			seen[key] = true
			step++
		}
		group := spec.Group
		if group != "" {
			if g, ok := registry.Group(group); ok && g.Next != "" {
				group = fmt.Sprintf("%s -> %s", group, g.Next)
			}
		}
		rows = append(rows, stageRow{
			Step:        step,
			ID:          spec.ID,
			After:       strings.Join(spec.After, ","),
			Group:       group,
			Timeout:     spec.Timeout,
			MaxAttempts: spec.MaxAttempts,
		})
	}
	return rows
}
