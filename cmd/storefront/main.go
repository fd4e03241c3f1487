// Command storefront runs the Attic & Button demo store and its datafile
// tooling.
package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/btt-go/btt-storefront/featureflag"
	"github.com/btt-go/btt-storefront/internal/config"
	"github.com/btt-go/btt-storefront/internal/logging"
)

// app carries what every subcommand needs once the root has run.
type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func (a *app) redis() *redis.Client {
	return newRedis(a.cfg.Redis)
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "storefront",
		Short: "Attic & Button storefront with feature flagged sorting",
		Long: `storefront serves the Attic & Button catalog. A feature flag decides
per user whether the sort control is shown and which welcome message is used.
Flags live in Redis as versioned datafiles; purchases are tracked as events.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.Logging.Level = "debug"
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
			if err != nil {
				return err
			}
			featureflag.SetPrefix(cfg.Redis.Prefix)
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to storefront.yaml (default: built-in defaults)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(newServeCmd(a))
	root.AddCommand(newPublishCmd(a))
	root.AddCommand(newHistoryCmd(a))
	root.AddCommand(newEventsCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
