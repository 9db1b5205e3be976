package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func partitionsCommand(root *rootCommand) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Print the resource names of a pool, one per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope == "" {
				scope = root.cfg.Scope
			}
			p, err := root.poolFor(scope)
			if err != nil {
				return err
			}
			for _, name := range p.ResourceNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "pool scope (defaults to the configured scope)")
	return cmd
}
