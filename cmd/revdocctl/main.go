// Command revdocctl manages the revdoc database schema.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/revdoc"
	"github.com/and161185/revdoc/migrations"
)

var (
	version = "dev"
	dsn     string
)

func main() {
	// A local .env may provide DATABASE_URL; absence is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: could not read .env:", err)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	root := &cobra.Command{
		Use:     "revdocctl",
		Short:   "Schema management for revdoc databases",
		Version: version,
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN (defaults to DATABASE_URL)")

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("missing DSN (--dsn or DATABASE_URL)")
			}
			if err := revdoc.MigrateUp(cmd.Context(), dsn, migrations.FS); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("missing DSN (--dsn or DATABASE_URL)")
			}
			return revdoc.MigrateStatus(cmd.Context(), dsn, migrations.FS)
		},
	})

	if err := root.Execute(); err != nil {
		logger.Error("revdocctl", zap.Error(err))
		os.Exit(1)
	}
}
