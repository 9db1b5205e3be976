package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"alluvial/sqlfeed"
)

func appendCommand(root *rootCommand) *cobra.Command {
	var (
		position int64
		key      int64
		body     string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one record to the feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if position <= 0 {
				return errors.New("--position must be greater than zero")
			}
			ctx := cmd.Context()
			db, dialect, err := root.openDB(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			feed, err := sqlfeed.NewStream(db, dialect, root.cfg.Stream, sqlfeed.WithLogger(root.logger))
			if err != nil {
				return err
			}
			if err := feed.Append(ctx, sqlfeed.Record{Pos: position, Key: key, Body: []byte(body)}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appended %d\n", position)
			return nil
		},
	}
	cmd.Flags().Int64Var(&position, "position", 0, "feed position, unique and greater than zero")
	cmd.Flags().Int64Var(&key, "key", 0, "partition key")
	cmd.Flags().StringVar(&body, "body", "", "record body")
	return cmd
}
