package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func migrateCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the event store schema to the configured database",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newConfig(*cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(v.GetString("log.level"))

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			pool, err := connectPool(ctx, log, v.GetString("db.url"), v)
			if err != nil {
				return err
			}
			defer pool.Close()

			schemaFile := v.GetString("schema.file")
			schemaSQL, err := os.ReadFile(schemaFile)
			if err != nil {
				return err
			}
			if _, err := pool.Exec(ctx, stripPsqlCommands(string(schemaSQL))); err != nil {
				return err
			}
			log.Info().Str("schema", schemaFile).Msg("schema applied")
			return nil
		},
	}
}

// stripPsqlCommands drops psql meta-commands so the schema file can run
// through the driver.
func stripPsqlCommands(sql string) string {
	lines := strings.Split(sql, "\n")
	var out []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "\\") || strings.Contains(line, "\\gexec") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
