package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pders01/feedkeeper/internal/config"
	"github.com/pders01/feedkeeper/internal/debuglog"
	"github.com/pders01/feedkeeper/internal/feed"
	"github.com/pders01/feedkeeper/internal/plugins"
	"github.com/pders01/feedkeeper/internal/search"
	"github.com/pders01/feedkeeper/internal/storage"
	"github.com/pders01/feedkeeper/internal/users"
	"github.com/pders01/feedkeeper/internal/validation"
)

// Version is the version of the application, set at build time
var Version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	force      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "feedkeeper",
		Short:         "Multi-user RSS/Atom feed poller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "Path to database file (overrides config)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, off (overrides config)")

	root.AddCommand(
		newServeCmd(opts),
		newPollCmd(opts),
		newExpireCmd(opts),
		newUserCmd(opts),
		newChannelCmd(opts),
		newItemsCmd(opts),
		newSearchCmd(opts),
		newIndexCmd(opts),
		newConfigCmd(),
		newVersionCmd(),
	)
	return root
}

// app holds everything a command needs once config is loaded.
type app struct {
	cfg      *config.Config
	store    storage.Store
	index    *search.Index
	searcher search.Searcher
	manager  *feed.Manager
}

func openApp(opts *globalOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	if err := debuglog.Setup(debuglog.Options{
		Level:      debuglog.ParseLogLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if storage.IsFileDriver(cfg.Database.Driver) {
		if err := validation.EnsureParentDir(cfg.Database.Path); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}

	store, err := storage.Open(storage.Options{
		Driver:  cfg.Database.Driver,
		Path:    cfg.Database.Path,
		DSN:     cfg.Database.DSN,
		Timeout: cfg.Database.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{cfg: cfg, store: store}

	var listener feed.IndexListener
	if cfg.Database.SearchIndex != "" {
		index, err := search.OpenIndex(cfg.Database.SearchIndex)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.index = index
		a.searcher = index
		listener = index
	} else {
		a.searcher = search.NewEngine(store)
	}

	userCache := users.NewCache(store, cfg.Users.CacheSize, cfg.Users.CacheTTL)
	a.manager = feed.NewManager(store, cfg, userCache, listener)
	a.manager.SetForceRefresh(opts.force)

	debuglog.Debugf("opened %s store at %s", store.Backend(), cfg.Database.Path)
	return a, nil
}

func (a *app) close() {
	var errs []error
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	errs = append(errs, a.store.Close(), debuglog.Close())
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// withApp opens the app around fn.
func withApp(opts *globalOptions, fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(opts)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(cmd, args, a)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "feedkeeper %s\n", Version)
			fmt.Fprintln(out, "RSS/Atom feed poller")
			fmt.Fprintln(out, "github.com/pders01/feedkeeper")
			fmt.Fprintf(out, "Source resolvers: %s\n", strings.Join(plugins.Default().Names(), ", "))
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var path string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.DefaultPath()
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return fmt.Errorf("failed to generate config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
			return nil
		},
	}
	generate.Flags().StringVar(&path, "path", "", "Where to write the file (default "+config.DefaultPath()+")")

	configCmd.AddCommand(generate)
	return configCmd
}
