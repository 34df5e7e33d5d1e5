package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/store/pg"
	"shopfront.dev/internal/users"
)

// seedAdminCmd makes sure an active ADMIN exists so that the last-admin rule
// can hold from the first deploy.
func seedAdminCmd(dsn *string) *cobra.Command {
	var reg users.Registration
	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create or promote the first ADMIN account if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reg.Email == "" {
				reg.Email = os.Getenv("ADMIN_EMAIL")
			}
			if reg.Password == "" {
				reg.Password = os.Getenv("ADMIN_PASSWORD")
			}
			if reg.Email == "" || reg.Password == "" {
				return errors.New("admin email and password are required (--email/--password or ADMIN_EMAIL/ADMIN_PASSWORD)")
			}

			store, err := pg.Open(cmd.Context(), *dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			acc, created, err := users.NewService(store).BootstrapAdmin(cmd.Context(), reg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case !acc.Roles.Has(auth.RoleAdmin):
				return fmt.Errorf("account %d did not receive ADMIN", acc.ID)
			case created:
				fmt.Fprintf(out, "created admin %s (id=%d)\n", acc.Email, acc.ID)
			case !strings.EqualFold(acc.Email, strings.TrimSpace(reg.Email)):
				fmt.Fprintf(out, "admin already present: %s (id=%d)\n", acc.Email, acc.ID)
			default:
				fmt.Fprintf(out, "admin ready: %s (id=%d)\n", acc.Email, acc.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reg.Email, "email", "", "admin email (default $ADMIN_EMAIL)")
	cmd.Flags().StringVar(&reg.Password, "password", "", "admin password (default $ADMIN_PASSWORD)")
	cmd.Flags().StringVar(&reg.Username, "username", "", "admin username")
	return cmd
}
