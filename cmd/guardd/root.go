package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/treasuryops/guard/internal/config"
	"github.com/treasuryops/guard/internal/obs"
	"github.com/treasuryops/guard/internal/store/pg"
)

var (
	cfgFile string
	dsnFlag string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guardd",
		Short: "Treasury security core",
		Long: `guardd runs the treasury security core: credential verification, sessions,
access tokens, role-based authorization, the risk-scored audit trail and field
encryption keys.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); TREASURY_GUARD_* variables override it")
	cmd.PersistentFlags().StringVar(&dsnFlag, "dsn", "", "PostgreSQL DSN for the audit store (default audit.postgres_dsn)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newHashPasswordCmd())
	cmd.AddCommand(newKeysCmd())
	cmd.AddCommand(newAuditCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, err
	}
	if dsnFlag != "" {
		cfg.Audit.PostgresDSN = dsnFlag
	}
	return cfg, nil
}

func newLogger(cfg config.Config) zerolog.Logger {
	return obs.NewLogger(obs.LogOptions{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: "treasury-guard",
		Env:     cfg.Env,
	})
}

// openStore opens the audit store named by the config; commands that need
// it fail when no DSN is configured.
func openStore(cfg config.Config) (*pg.Store, error) {
	if cfg.Audit.PostgresDSN == "" {
		return nil, fmt.Errorf("no audit store: set --dsn or %s_AUDIT_POSTGRES_DSN", config.EnvPrefix)
	}
	return pg.Open(cfg.Audit.PostgresDSN)
}
