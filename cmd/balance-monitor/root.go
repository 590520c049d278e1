package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/balance-monitor/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	v          *viper.Viper
	configPath string

	cfg      *config.Config
	log      zerolog.Logger
	closeLog func() error
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:           "balance-monitor",
		Short:         "Query and track account balances",
		Long:          "balance-monitor queries the balance of every configured account, preferring a lightweight API query and falling back to a full login through a bounded pool of sessions. Results are cached per account so failures still show the last known balance.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if c.closeLog != nil {
				return c.closeLog()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default: balance-monitor.{toml,yaml,json} in . or ~/.balance-monitor)")
	flags.String("accounts", "", "accounts file (accounts.toml or legacy credentials.txt)")
	flags.String("state-backend", "", "state backend: file, redis, sqlite or memory")
	flags.String("state-path", "", "state file for the file backend")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("pretty", false, "human-readable console logs")
	flags.Int("concurrency", 0, "worker goroutines per cycle")

	bind := map[string]string{
		"accounts.path":   "accounts",
		"state.backend":   "state-backend",
		"state.path":      "state-path",
		"log.level":       "log-level",
		"log.pretty":      "pretty",
		"max_concurrency": "concurrency",
	}
	for key, name := range bind {
		if err := c.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			rootCmd.RunE = func(_ *cobra.Command, _ []string) error {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
			return rootCmd
		}
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(c),
		newServeCmd(c),
		newStatusCmd(c),
		newAccountsCmd(c),
	)

	return rootCmd
}

// load reads the configuration and sets up logging.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log, c.closeLog = setupLogging(cfg, cmd.ErrOrStderr())

	if cfg.File != "" {
		c.log.Debug().Str("file", cfg.File).Msg("Loaded config file")
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "balance-monitor %s\n", version)
			return err
		},
	}
}
