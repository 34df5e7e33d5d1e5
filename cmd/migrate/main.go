package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"shopfront.dev/internal/migrate"
)

func main() {
	var dsn, table string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the shopfront database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if os.Getenv("APP_ENV") == "dev" {
				_ = godotenv.Load()
			}
			if dsn == "" {
				dsn = os.Getenv("DATABASE_URL")
			}
			if dsn == "" {
				return errors.New("missing DSN: provide via --dsn or DATABASE_URL")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (default $DATABASE_URL)")
	root.PersistentFlags().StringVar(&table, "table", "", "migrations bookkeeping table")

	withManager := func(fn func(*migrate.Manager) error) error {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		mgr, err := migrate.NewManager(db, migrate.WithMigrationsTable(table))
		if err != nil {
			_ = db.Close()
			return err
		}
		defer mgr.Close()
		return fn(mgr)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(func(m *migrate.Manager) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(func(m *migrate.Manager) error { return m.Down() })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withManager(func(m *migrate.Manager) error {
					v, dirty, err := m.Status()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
					return nil
				})
			},
		},
		seedAdminCmd(&dsn),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
