package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cpunion/feedsync/pkg/orchestrator"
	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/types"
)

func generateCmd(load loader) *cobra.Command {
	var (
		op    string
		style string
		focus string
		raw   bool
	)
	cmd := &cobra.Command{
		Use:   "generate <surface>",
		Short: "Run one generation for a surface and merge it into the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operation := orchestrator.Operation(op)
			if !operation.Valid() {
				return fmt.Errorf("unknown operation %q", op)
			}
			if operation == orchestrator.OpReply && focus == "" {
				return fmt.Errorf("--focus is required for %s", op)
			}
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			e, err := buildEngine(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer e.Close()
			m, err := e.manager(types.Surface(args[0]))
			if err != nil {
				return err
			}

			res, err := m.Generate(cmd.Context(), orchestrator.Request{Operation: operation, StyleID: style, Focus: focus, Cause: types.CauseManual})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if raw {
				fmt.Fprintln(out, res.Raw)
				return nil
			}
			fmt.Fprintf(out, "%s: %s (message %d, appended=%v, %d warnings)\n",
				res.Surface, res.Report, res.Index, res.Appended, len(res.Warnings))
			fmt.Fprintln(out, protocol.Encode(res.Document))
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", string(orchestrator.OpBulk), "Operation: new_post, reply or bulk")
	cmd.Flags().StringVar(&style, "style", "", "Style id (defaults to the surface style)")
	cmd.Flags().StringVar(&focus, "focus", "", "Thread id to continue with --op reply")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the raw generator output instead of the merged document")
	return cmd
}
