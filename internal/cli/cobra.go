// Package cli wires the cobra commands to the registration harness.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"dhmreg/internal/config"
	"dhmreg/internal/harness"
	"dhmreg/internal/register"
	"dhmreg/internal/storage"
)

// jobRunner is what the run command needs from the harness.
type jobRunner interface {
	Run(ctx context.Context, rawSpec string) harness.Outcome
}

type runnerFactory func(store *storage.Store) jobRunner

type storeFactory func(path string) (*storage.Store, error)

// Root carries shared command dependencies. Factories exist so tests can
// substitute a fake harness and an in-memory store.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	sink      harness.LogSink
	newRunner runnerFactory
	openStore storeFactory
	exit      func(int)
}

// NewRootCmd creates the root cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, sink harness.LogSink) *cobra.Command {
	root := &Root{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		openStore: storage.New,
		exit:      os.Exit,
	}
	root.newRunner = func(store *storage.Store) jobRunner {
		return harness.New(harness.Options{
			Sink:  sink,
			Store: store,
			Log:   log,
			Terminate: func(o harness.Outcome) {
				root.exit(o.ExitCode())
			},
		})
	}

	rootCmd := &cobra.Command{
		Use:   "dhmreg",
		Short: "dhmreg registers the frames of a DHM phase stack",
		Long: `dhmreg is a single-job batch harness around linear stack alignment:
it loads one multi-frame stack, aligns the frames with a fixed SIFT-style
parameter set, writes the aligned TIFF, and captures the execution log.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newParamsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "run <inputPath?outputPath?logPath>",
		Short: "Run one registration job and terminate",
		Long: `Run executes exactly one job. The single argument carries three paths
joined by a literal "?": the source stack, the destination TIFF, and the
destination of the captured execution log. A pre-existing file at the
output path is deleted before writing. The process terminates when the
job finishes, success or failure.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var store *storage.Store
			if root.cfg.History.Enabled {
				s, err := root.openStore(root.cfg.Paths.DatabasePath)
				if err != nil {
					root.log.Warn("run history unavailable", "error", err)
				} else {
					store = s
				}
			}

			out := root.newRunner(store).Run(cmd.Context(), args[0])
			if out.Err != nil {
				return out.Err
			}
			return nil
		},
	}
}

func newHistoryCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent registration runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := root.openStore(root.cfg.Paths.DatabasePath)
			if err != nil {
				return err
			}
			defer store.Close()

			if limit <= 0 {
				limit = root.cfg.History.Limit
			}
			runs, err := store.RecentRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}
			for _, r := range runs {
				status := r.Status
				if r.Error != "" {
					status = fmt.Sprintf("%s (%s)", r.Status, r.Error)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s -> %s  frames=%d depth=%d\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), status,
					r.InputPath, r.OutputPath, r.FrameCount, r.BitDepth)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to list (default from config)")
	return cmd
}

func newParamsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "params",
		Short: "Print the fixed alignment parameter set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), register.DefaultParams().Describe())
			return nil
		},
	}
}
