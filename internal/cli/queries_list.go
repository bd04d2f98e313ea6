package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"repometrics/internal/query"
)

var queriesListQuiet bool

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Inspect the registered metric queries",
	Long: `Inspect the metric queries this build can collect.

Queries are validated at startup; every listed query can be used with
"repometrics collect --query" and the task submission API.

Examples:
  # List all registered queries
  repometrics queries list
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered metric queries",
	Long: `List all metric queries registered in this build, sorted by name.

Examples:
  repometrics queries list

  # Names only, one per line
  repometrics queries list --quiet
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := query.DefaultRegistry()
		if err != nil {
			return err
		}
		for _, name := range registry.Names() {
			if queriesListQuiet {
				fmt.Fprintln(cmd.OutOrStdout(), name)
				continue
			}
			def, err := registry.Resolve(name)
			if err != nil {
				return err
			}
			printQuery(cmd.OutOrStdout(), def)
		}
		return nil
	},
}

func printQuery(w io.Writer, def *query.Definition) {
	header := color.New(color.Bold)
	fmt.Fprintln(w, "----------------------------------------")
	header.Fprintf(w, "QUERY: %s\n", def.Name)
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "batch positions: %d\n", def.Arity)
	fmt.Fprintln(w)
}

func init() {
	queriesListCmd.Flags().BoolVarP(&queriesListQuiet, "quiet", "q", false, "Print query names only")
	queriesCmd.AddCommand(queriesListCmd)
	rootCmd.AddCommand(queriesCmd)
}
