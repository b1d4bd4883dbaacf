package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/netlock/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the netlockd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if verbose {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), info.String())
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
			return err
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "include Go version and platform")
	return cmd
}
