package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"reev-harness/pkg/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer p.Close()
			if !p.SchemaInitialized() {
				return fmt.Errorf("schema for %s was not initialized", p.Dialect())
			}
			logger.L().Info("migrations applied",
				slog.String("database", p.Dialect()),
				slog.String("path", cfg.Database.Path),
			)
			return nil
		},
	}
}
