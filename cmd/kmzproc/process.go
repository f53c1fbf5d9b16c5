package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/kmzproc/internal/config"
	"github.com/withObsrvr/kmzproc/internal/pipeline"
	"github.com/withObsrvr/kmzproc/internal/sequence"
)

func processCmd() *cobra.Command {
	var (
		city            string
		start           string
		workingStreetID string
		batchID         string
		errorPolicy     string
		mergedOut       string
		sqlOut          string
	)

	cmd := &cobra.Command{
		Use:   "process FILE...",
		Short: "Process KMZ/KML files as one batch and print the SQL",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var startAt *sequence.Counter
			if start != "" {
				c, err := sequence.Parse(start)
				if err != nil {
					return err
				}
				startAt = &c
			}

			a, err := newApp(ctx, func(cfg *config.Config) {
				if startAt != nil {
					cfg.Sequence.Start = startAt.Int64()
					cfg.Sequence.Resume = false
				}
				if workingStreetID != "" {
					cfg.Input.WorkingStreetID = workingStreetID
				}
				if errorPolicy != "" {
					cfg.Processing.ErrorPolicy = errorPolicy
				}
			})
			if err != nil {
				return err
			}
			defer a.close()

			batch := pipeline.Batch{ID: batchID, City: city}
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				batch.Uploads = append(batch.Uploads, pipeline.Upload{Name: filepath.Base(path), Data: data})
			}

			res, err := a.proc.Run(ctx, batch)
			if err != nil {
				return err
			}

			for _, f := range res.Failed {
				fmt.Fprintf(cmd.ErrOrStderr(), "skipped %s: %v\n", f.Upload, f.Err)
			}

			sql := res.SQL() + "\n"
			if sqlOut != "" {
				if err := os.WriteFile(sqlOut, []byte(sql), 0644); err != nil {
					return fmt.Errorf("write %s: %w", sqlOut, err)
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), sql)
			}

			if mergedOut != "" {
				if err := os.WriteFile(mergedOut, res.MergedKML, 0644); err != nil {
					return fmt.Errorf("write %s: %w", mergedOut, err)
				}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "batch %s: %d polygons, %d placemarks, final counter %d\n",
				res.BatchID, res.Polygons(), res.Merged.Placemarks(), res.CounterEnd.Int64())
			return nil
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "city label; the working street id fallback for files without a uuid")
	cmd.Flags().StringVar(&start, "start", "", "starting counter value, e.g. 30000 or S30000")
	cmd.Flags().StringVar(&workingStreetID, "working-street-id", "", "working street id for files without an embedded uuid")
	cmd.Flags().StringVar(&batchID, "batch-id", "", "batch id (generated when empty)")
	cmd.Flags().StringVar(&errorPolicy, "error-policy", "", "abort or skip")
	cmd.Flags().StringVar(&mergedOut, "merged-out", "", "write the merged KML document to this path")
	cmd.Flags().StringVar(&sqlOut, "sql-out", "", "write SQL to this path instead of stdout")

	return cmd
}
