// Package main provides the pricewatch command-line tool for inspecting and
// resolving sync conflicts in a local pricewatch data store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/pricewatch/backend/internal/app"
	"github.com/kimhsiao/pricewatch/backend/internal/config"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

// annotationNoEngine marks commands that run without opening a store.
const annotationNoEngine = "pricewatch/no-engine"

// session carries state shared by the commands of one invocation.
type session struct {
	v       *viper.Viper
	cfg     *config.Config
	app     *app.App
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	s := &session{v: viper.New()}

	root := &cobra.Command{
		Use:               "pricewatch",
		Short:             "Inspect and resolve price sync conflicts",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: s.setup,
	}
	root.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		return s.teardown()
	}

	pf := root.PersistentFlags()
	pf.SortFlags = false
	pf.StringP("config", "c", "", "config file (default ~/.pricewatch/config.yaml)")
	pf.String("data-dir", "", "directory holding the SQLite database")
	pf.String("store", "", "store backend: sqlite, postgres or memory")
	pf.String("postgres-dsn", "", "Postgres connection string for the postgres store")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&s.jsonOut, "json", false, "print machine-readable JSON")

	s.v.BindPFlag("data_dir", pf.Lookup("data-dir"))
	s.v.BindPFlag("store", pf.Lookup("store"))
	s.v.BindPFlag("postgres_dsn", pf.Lookup("postgres-dsn"))
	s.v.BindPFlag("log_level", pf.Lookup("log-level"))

	root.AddCommand(
		newDetectCmd(s),
		newPendingCmd(s),
		newShowCmd(s),
		newHistoryCmd(s),
		newStatsCmd(s),
		newResolveCmd(s),
		newApplyCmd(s),
		newCleanupCmd(s),
		newSyncCmd(s),
		newExportCmd(s),
		newImportCmd(s),
		newStrategiesCmd(s),
		newVersionCmd(),
	)
	return root
}

// setup loads the configuration and opens the engine for commands that need it.
func (s *session) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[annotationNoEngine] == "true" {
		return nil
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(s.v, path)
	if err != nil {
		return err
	}
	s.cfg = cfg

	logging.InitWithFormat(cmd.ErrOrStderr(), cfg.Level(), logging.Format(cfg.LogFormat))

	a, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	s.app = a
	return nil
}

func (s *session) teardown() error {
	if s.app == nil {
		return nil
	}
	err := s.app.Close()
	s.app = nil
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
