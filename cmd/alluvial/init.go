package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"alluvial/sqldistributor"
	"alluvial/sqlfeed"
)

func initCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create missing tables and register every pool of the registry",
		Long: `Command "init"

Creates the lease, feed and checkpoint tables when they are missing, then
registers the resources of every pool in the registry. Existing rows and
unrelated tables are never touched, so the command can be run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			registry, err := root.loadRegistry()
			if err != nil {
				return err
			}
			db, dialect, err := root.openDB(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			if err := sqldistributor.InitializeSchema(ctx, db, dialect); err != nil {
				return err
			}
			if err := sqlfeed.InitializeSchema(ctx, db, dialect); err != nil {
				return err
			}

			scopes := registry.Scopes()
			slices.Sort(scopes)
			for _, scope := range scopes {
				p, _ := registry.PoolFor(scope)
				added, err := sqldistributor.RegisterResources(ctx, db, dialect, scope, p.ResourceNames())
				if err != nil {
					return err
				}
				root.logger.Info().Str("scope", scope).Int("added", added).Int("resources", len(p.ResourceNames())).Msg("pool registered")
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d resources, %d added\n", scope, len(p.ResourceNames()), added)
			}
			return nil
		},
	}
}
