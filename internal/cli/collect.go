package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var collectFlags struct {
	query  string
	repos  []string
	orgs   []string
	wait   bool
	format string
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect one metric query for a repo batch and print the rows",
	Long: `Run one metric query against the source warehouse, cache the results,
and print the cached rows.

The collection is retried the same way the background workers retry it.
With --wait the command blocks until every repo in the batch is readable
before printing; without it the rows are read immediately after the
collection finishes.

Examples:
  # Collect commit counts for two repos
  repometrics collect --query commits --repos 101,102

  # Collect for a whole org, JSON output
  repometrics collect --query issues --orgs chaoss --format json
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if collectFlags.query == "" {
			return errors.New("--query must be provided")
		}
		format := strings.ToLower(strings.TrimSpace(collectFlags.format))
		if format == "" {
			format = "text"
		}
		if format != "text" && format != "json" {
			return fmt.Errorf("unsupported --format: %s (must be one of: text, json)", format)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		repoIDs, err := parseRepoIDs(collectFlags.repos)
		if err != nil {
			return err
		}
		if len(collectFlags.orgs) > 0 {
			if err := a.catalog.Load(ctx); err != nil {
				return fmt.Errorf("loading repo catalog: %w", err)
			}
		}
		repos, err := a.catalog.Resolve(repoIDs, splitCommaList(collectFlags.orgs))
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			return errors.New("no repositories selected; use --repos and/or --orgs")
		}

		out := cmd.OutOrStdout()
		attempts, err := a.runner.Do(ctx, collectFlags.query, repos, func(attempt int, err error) {
			fmt.Fprintf(out, "%s attempt %d failed: %v\n", color.YellowString("RETRY"), attempt, err)
		})
		if err != nil {
			return fmt.Errorf("collection failed after %d attempt(s): %w", attempts, err)
		}
		fmt.Fprintf(out, "%s %s collected for %d repo(s) in %d attempt(s)\n",
			color.GreenString("OK"), collectFlags.query, len(repos), attempts)

		if collectFlags.wait {
			if err := a.waiter.Wait(ctx, collectFlags.query, repos); err != nil {
				return err
			}
		}

		res, err := a.facade.Read(ctx, collectFlags.query, repos)
		if err != nil {
			return err
		}

		if format == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(res.Records())
		}

		fmt.Fprintln(out, strings.Join(res.Columns, "\t"))
		for _, row := range res.Rows {
			parts := make([]string, len(row))
			for i, v := range row {
				parts[i] = fmt.Sprint(v)
			}
			fmt.Fprintln(out, strings.Join(parts, "\t"))
		}
		fmt.Fprintf(out, "(%d rows)\n", res.Len())
		return nil
	},
}

func init() {
	f := collectCmd.Flags()
	f.StringVar(&collectFlags.query, "query", "", "Metric query name (see \"repometrics queries list\")")
	f.StringSliceVar(&collectFlags.repos, "repos", nil, "Repository ids (repeatable and/or comma-separated)")
	f.StringSliceVar(&collectFlags.orgs, "orgs", nil, "Organization names to expand into their repos")
	f.BoolVar(&collectFlags.wait, "wait", false, "Wait until every repo in the batch is readable before printing")
	f.StringVar(&collectFlags.format, "format", "text", "Output format: text or json")
	rootCmd.AddCommand(collectCmd)
}

func parseRepoIDs(values []string) ([]int64, error) {
	var out []int64
	for _, v := range splitCommaList(values) {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --repos value %q: expected a repository id", v)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitCommaList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
