package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cpunion/feedsync/pkg/merge"
	"github.com/cpunion/feedsync/pkg/protocol"
	"github.com/cpunion/feedsync/pkg/types"
)

func surfaceArg(arg string) (types.Surface, error) {
	s := types.Surface(arg)
	if _, ok := protocol.Lookup(s); !ok {
		return "", fmt.Errorf("unknown surface %q", arg)
	}
	return s, nil
}

func decodeCmd() *cobra.Command {
	var canonical bool
	cmd := &cobra.Command{
		Use:   "decode <surface> <file>",
		Short: "Decode the protocol tokens of a file and print the document as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, err := surfaceArg(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			doc, warnings := merge.DecodeCanonical(surface, string(data))
			if doc == nil {
				doc = types.NewDocument(surface)
			}
			for _, w := range warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			if canonical {
				fmt.Fprintln(cmd.OutOrStdout(), protocol.Encode(doc))
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		},
	}
	cmd.Flags().BoolVar(&canonical, "canonical", false, "Print the canonical marked block instead of JSON")
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <surface> <existing> <fragment>",
		Short: "Merge a generated fragment into an existing document and print the canonical block",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			surface, err := surfaceArg(args[0])
			if err != nil {
				return err
			}
			existing, err := os.ReadFile(args[1])
			if err != nil && !os.IsNotExist(err) {
				return err
			}
			fragment, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			text, rep := merge.MergeText(surface, string(existing), string(fragment), merge.Options{})
			for _, w := range rep.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), rep)
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
}
