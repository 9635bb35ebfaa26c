// File: cmd/inspect.go
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/acctqueue/internal/journal"
	"github.com/xkilldash9x/acctqueue/internal/observability"
	"github.com/xkilldash9x/acctqueue/internal/records"
)

// Read-only and maintenance commands for the record file.

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of records left and the delimiter count of the first line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Records().Path
			remaining, err := records.CountRemainingLines(path)
			if err != nil {
				return err
			}
			delims, err := records.CountDelimitersInFirstLine(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "file:        %s\n", path)
			fmt.Fprintf(out, "remaining:   %d\n", remaining)
			fmt.Fprintf(out, "delimiters:  %d (want %d)\n", delims, records.SchemaLen-1)
			return nil
		},
	}
}

func newPeekCmd(a *app) *cobra.Command {
	var reveal bool
	peekCmd := &cobra.Command{
		Use:   "peek",
		Short: "Show the next record without consuming it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cursor := records.NewCursor(a.cfg.Records().Path, records.WithLogger(observability.GetLogger()))
			rec, err := cursor.Peek()
			out := cmd.OutOrStdout()
			if errors.Is(err, records.ErrEndOfFile) {
				fmt.Fprintln(out, "record file is empty")
				return nil
			}
			if err != nil {
				return err
			}

			fields := rec.Map()
			for _, name := range records.SchemaFields {
				value := fields[name]
				if !reveal && journal.IsSecret(name) {
					value = journal.Mask(value)
				}
				fmt.Fprintf(out, "%-10s  %s\n", name, value)
			}
			return nil
		},
	}
	peekCmd.Flags().BoolVar(&reveal, "reveal", false, "print secret fields unmasked")
	return peekCmd
}

func newNormalizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Rewrite the record file with ';' delimiters replaced by '|'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.Records().Path
			if err := records.NormalizeDelimiters(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "normalized %s\n", path)
			return nil
		},
	}
}
