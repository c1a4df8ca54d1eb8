package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go-tidemark/pkg/processor"
)

// statusReport is the one-shot progress dump printed by the status command.
type statusReport struct {
	HeadPosition int64                           `json:"head_position"`
	Processors   map[string][]processor.Progress `json:"processors"`
}

func statusCmd(cfgFile *string) *cobra.Command {
	var processors []string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print subscription progress as JSON and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newConfig(*cfgFile)
			if err != nil {
				return err
			}
			log := newLogger(v.GetString("log.level"))

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := connectPool(ctx, log, v.GetString("db.url"), v)
			if err != nil {
				return err
			}
			defer pool.Close()

			head, err := processor.HeadPosition(ctx, pool)
			if err != nil {
				return err
			}

			report := statusReport{
				HeadPosition: head,
				Processors:   make(map[string][]processor.Progress, len(processors)),
			}
			for _, name := range processors {
				rows, err := processor.ListProgress(ctx, pool, name)
				if err != nil {
					return err
				}
				report.Processors[name] = rows
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringSliceVar(&processors, "processor", []string{"outbox", "views"}, "processors to report on")
	return cmd
}
