package cli

import (
	"fmt"
	"os"

	"github.com/lazypower/fdleak/internal/config"
	"github.com/lazypower/fdleak/pkg/store"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool

	// cfg is loaded once per invocation by the root PersistentPreRunE.
	cfg = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "fdleak",
	Short: "Find file and socket handles that stay open too long",
	Long: "fdleak tracks open files and sockets in an instrumented process and persists a " +
		"record for every handle that outlives the configured age, deleting it again once the handle closes.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.fdleak/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(pruneCmd)
}

// setup loads the config and configures logging for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}

	loaded, err := config.Load(path)
	if err != nil {
		return err
	}
	loaded.ApplyEnv()
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	cfg = loaded

	return configureLogging(cfg.Log.Level, debug)
}

func configureLogging(level string, debug bool) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if debug {
		lvl = logrus.DebugLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
	})
	return nil
}

// openStore opens the configured record store.
func openStore() (store.Store, string, error) {
	loc, err := cfg.StoreLocation()
	if err != nil {
		return nil, "", fmt.Errorf("resolve store location: %w", err)
	}
	st, err := store.Open(cfg.Store.Backend, loc)
	if err != nil {
		return nil, "", fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return st, loc, nil
}
