package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Maximooch/penguin/internal/config"
)

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			resolver := config.NewResolver(cfg)

			ids := make([]string, 0, len(cfg.ModelConfigs)+1)
			for id := range cfg.ModelConfigs {
				ids = append(ids, id)
			}
			if cfg.Model.Default != "" {
				if _, ok := cfg.ModelConfigs[cfg.Model.Default]; !ok {
					ids = append(ids, cfg.Model.Default)
				}
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCLIENT\tWINDOW\tOUTPUT\tREASONING")
			for _, id := range ids {
				spec, err := resolver.Resolve(id)
				if err != nil {
					fmt.Fprintf(w, "%s\t(invalid: %v)\n", id, err)
					continue
				}
				marker := ""
				if id == cfg.Model.Default {
					marker = " (default)"
				}
				fmt.Fprintf(w, "%s%s\t%s\t%s\t%d\t%d\t%s\n",
					spec.ModelID, marker, spec.Provider, spec.ClientPreference,
					spec.MaxContextWindowTokens, spec.MaxOutputTokens, spec.ReasoningStyle)
			}
			return w.Flush()
		},
	}
}
