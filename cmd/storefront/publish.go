package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/featureflag"
)

func newPublishCmd(a *app) *cobra.Command {
	var datafile string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a YAML datafile to Redis",
		Long: `Publishes every feature of the datafile as a full replacement of the
version the file declares. Running storefronts following that version
reload within one stream read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if datafile == "" {
				datafile = a.cfg.Flags.Datafile
			}
			if datafile == "" {
				return fmt.Errorf("--datafile is required when flags.datafile is not configured")
			}

			df, err := featureflag.LoadDatafile(datafile)
			if err != nil {
				return err
			}

			rdb := a.redis()
			defer rdb.Close()

			allHash, err := featureflag.NewPublisher(rdb, df.Version).Publish(cmd.Context(), df.PublishRequest())
			if err != nil {
				return err
			}
			a.logger.Info("datafile published",
				zap.String("path", datafile),
				zap.Int("version", df.Version),
				zap.String("all_hash", allHash))
			fmt.Fprintf(cmd.OutOrStdout(), "version %d published: %s\n", df.Version, allHash)
			return nil
		},
	}
	cmd.Flags().StringVarP(&datafile, "datafile", "f", "", "YAML datafile to publish (default: flags.datafile)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List datafile publishes, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := a.redis()
			defer rdb.Close()

			records, err := featureflag.NewPublisher(rdb, a.cfg.Flags.Version).History(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  version %d  %s\n",
					time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339), rec.Version, rec.AllHash)
			}
			return nil
		},
	}
}

func newEventsCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recently tracked events as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb := a.redis()
			defer rdb.Close()

			events, err := featureflag.RecentEvents(cmd.Context(), rdb, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, evt := range events {
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of events")
	return cmd
}
