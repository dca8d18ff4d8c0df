package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"burnbox/cmd/internal/admin"
	"burnbox/cmd/internal/app"
	"burnbox/cmd/internal/object"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindFlags binds each named flag to the viper key with dashes turned into underscores.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, names ...string) {
	for _, name := range names {
		f := flags.Lookup(name)
		if f == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(flagKey(name), f); err != nil {
			panic(err)
		}
	}
}

func flagKey(name string) string { return strings.ReplaceAll(name, "-", "_") }

func newRootCommand() *cobra.Command {
	v := app.NewViper()

	loadConfig := func() (app.Config, error) {
		if err := app.ReadConfigFile(v, v.GetString("config")); err != nil {
			return app.Config{}, err
		}
		return app.LoadConfig(v)
	}

	serve := func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
		return app.Serve(cmd.Context(), cfg, log)
	}

	root := &cobra.Command{
		Use:           "burnbox",
		Short:         "burnbox stores client-encrypted objects that can be read once and then vanish",
		SilenceErrors: true,
		Example: `
  # In-memory store, defaults everywhere
  burnbox serve

  # Postgres store with migrations applied on start
  BURNBOX_STORE=postgres BURNBOX_DATABASE_URL=postgres://localhost/burnbox BURNBOX_DB_AUTO_MIGRATE=true burnbox

  # Embedded bbolt file and shared Redis rate counters
  burnbox --store bolt --bolt-path /var/lib/burnbox/data.db --rate-backend redis --redis-addr 127.0.0.1:6379
`,
		RunE: serve,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "path to a YAML, JSON or TOML config file")
	pf.String("log-level", "info", "log level (debug|info|warn|error)")
	pf.String("log-format", "json", "log format (json|text|pretty)")
	pf.String("store", app.StoreMemory, "record store (memory|postgres|bolt)")
	pf.String("database-url", "", "postgres connection string")
	pf.String("db-schema", "burnbox", "postgres schema")
	pf.String("bolt-path", "burnbox.db", "bbolt database file")
	pf.String("http-addr", "0.0.0.0:8080", "HTTP listen address")
	pf.String("rate-backend", app.RateBackendMemory, "rate counter backend (memory|redis)")
	pf.String("redis-addr", "127.0.0.1:6379", "redis address for the redis rate backend")
	pf.Bool("rate-fail-open", false, "allow requests when the rate backend is unavailable")
	pf.Bool("trust-proxy", false, "derive client identity from X-Forwarded-For / X-Real-IP")
	pf.Bool("db-auto-migrate", false, "apply pending migrations on start")
	bindFlags(v, pf,
		"config", "log-level", "log-format", "store", "database-url", "db-schema", "bolt-path",
		"http-addr", "rate-backend", "redis-addr", "rate-fail-open", "trust-proxy", "db-auto-migrate",
	)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			Args:  cobra.NoArgs,
			RunE:  serve,
		},
		newSweepCommand(loadConfig),
		newMigrateCommand(loadConfig),
		newAdminTokenCommand(loadConfig),
	)
	return root
}

func newSweepCommand(loadConfig func() (app.Config, error)) *cobra.Command {
	var passes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and terminal objects now and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// A memory store would be fresh and empty in this process.
			if cfg.Store == app.StoreMemory {
				return errors.New("sweep requires a persistent store (store=postgres or store=bolt)")
			}
			log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			res, err := a.Reaper().ForceSweep(cmd.Context(), passes)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().IntVar(&passes, "passes", 3, "maximum sweep passes; stops early when a pass removes nothing")
	return cmd
}

func newMigrateCommand(loadConfig func() (app.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store != app.StorePostgres {
				return errors.New("migrate requires store=postgres")
			}
			pool, err := app.NewDBPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := object.Migrate(cmd.Context(), pool, cfg.DBSchema)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				_, err = fmt.Fprintln(out, "no pending migrations")
				return err
			}
			for _, name := range applied {
				if _, err := fmt.Fprintln(out, "applied", name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newAdminTokenCommand(loadConfig func() (app.Config, error)) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the /admin endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AdminSecret == "" {
				return errors.New("admin_secret is not configured (set BURNBOX_ADMIN_SECRET)")
			}
			tok, err := admin.MintToken([]byte(cfg.AdminSecret), ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
