package main

import (
	"fmt"

	"github.com/phrazzld/parsedispatch/internal/platform/postgres"
	"github.com/spf13/cobra"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status|version|reset]",
		Short: "Apply or inspect PostgreSQL schema migrations",
		Long: `migrate runs goose against the embedded PostgreSQL migrations. The
sqlite driver creates its schema when the database is opened and the
memory driver has none, so both are rejected.`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{postgres.MigrateUp, postgres.MigrateDown, postgres.MigrateStatus, postgres.MigrateVersion, postgres.MigrateReset},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := postgres.MigrateUp
			if len(args) == 1 {
				command = args[0]
			}

			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Database.Driver != "postgres" {
				return fmt.Errorf("migrations apply to the postgres driver only, configured driver is %q", cfg.Database.Driver)
			}

			db, err := openPostgres(cmd.Context(), cfg.Database.URL, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return postgres.Migrate(cmd.Context(), db, command, log)
		},
	}
}
