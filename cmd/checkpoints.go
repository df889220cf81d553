package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func checkpointsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List the active conversation's checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, cleanup, err := bootCore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			list, err := c.ListCheckpoints(limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No checkpoints for the current session.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tMESSAGES\tCREATED")
			for _, cp := range list {
				name := cp.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					cp.ID, cp.Type, name, cp.MessageCount,
					cp.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum checkpoints to list (0 for all)")
	return cmd
}
