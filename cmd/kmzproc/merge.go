package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/kmzproc/internal/config"
	"github.com/withObsrvr/kmzproc/internal/sequence"
)

func mergeCmd() *cobra.Command {
	var (
		start    string
		order    string
		out      string
		sanitize bool
	)

	cmd := &cobra.Command{
		Use:   "merge DIR",
		Short: "Merge the KML documents of a directory into one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, func(cfg *config.Config) {
				if order != "" {
					cfg.Processing.MergeOrder = order
				}
			})
			if err != nil {
				return err
			}
			defer a.close()

			counter := sequence.Counter(a.cfg.Sequence.Start)
			if start != "" {
				if counter, err = sequence.Parse(start); err != nil {
					return err
				}
			}

			if sanitize {
				results, err := a.proc.SanitizeDirectory(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "sanitized %d files\n", len(results))
			}

			res, end, err := a.proc.MergeDirectory(ctx, args[0], counter)
			if err != nil {
				return err
			}
			data, err := res.Bytes()
			if err != nil {
				return err
			}

			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "merged %d placemarks, final counter %d\n", res.Placemarks(), end.Int64())
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "starting counter value")
	cmd.Flags().StringVar(&order, "order", "", "document order: name or modtime")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (stdout when empty)")
	cmd.Flags().BoolVar(&sanitize, "sanitize", false, "strip CDATA and fill NULL names in place before merging")
	return cmd
}
