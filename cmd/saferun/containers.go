package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	var (
		all    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List containers and images managed by saferun",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, engine, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ce, err := containerEngine(engine)
			if err != nil {
				return err
			}
			containers, err := ce.ListContainers(cmd.Context(), all)
			if err != nil {
				return err
			}
			images, err := ce.ListImages(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{
					"containers": containers,
					"images":     images,
				})
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONTAINER ID\tNAME\tIMAGE\tSTATUS")
			for _, c := range containers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Image, c.Status)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "IMAGE\tID")
			for _, i := range images {
				fmt.Fprintf(w, "%s\t%s\n", i.Ref(), i.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", true, "Include stopped containers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stopped managed containers and unused managed images",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, engine, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ce, err := containerEngine(engine)
			if err != nil {
				return err
			}
			summary, err := ce.CleanupStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d container(s) and %d image(s)\n",
				summary.RemovedContainers, summary.RemovedImages)
			return nil
		},
	}
}
