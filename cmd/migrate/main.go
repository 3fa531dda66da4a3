// Command migrate управляет схемой БД через встроенные миграции goose.
//
//	migrate up
//	migrate down
//	migrate status
//	migrate version
//	migrate redo
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/canvango/canvango-group-sub006/internal/repository"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the market database schema",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URI")
			}
			if dsn == "" {
				return fmt.Errorf("database URI is required: pass --dsn or set DATABASE_URI")
			}
			return nil
		},
	}

	_ = godotenv.Load()
	cmd.PersistentFlags().StringVarP(&dsn, "dsn", "d", "", "database URI (defaults to DATABASE_URI)")

	for _, c := range []struct{ use, short string }{
		{"up", "Apply all pending migrations"},
		{"down", "Roll back the last migration"},
		{"status", "Show migration status"},
		{"version", "Show current schema version"},
		{"redo", "Roll back and re-apply the last migration"},
	} {
		command := c.use
		cmd.AddCommand(&cobra.Command{
			Use:   command,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), dsn, command)
			},
		})
	}

	return cmd
}

func run(ctx context.Context, dsn, command string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	return repository.Migrate(ctx, db, command)
}
