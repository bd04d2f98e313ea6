package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "repometrics",
	Short: "Collect repository metrics from a data warehouse into a serving cache",
	Long: `Repometrics runs curated metric queries against an Augur-style data
warehouse and caches the per-repository results for fast reads.

Collections are asynchronous: workers populate the cache in the background
while readers wait for a repo batch to become ready, then read it.

Examples:
	# Show available commands and global flags
	repometrics --help

	# Run the worker pool and HTTP API
	repometrics worker

	# Collect one query for a repo batch and print the rows
	repometrics collect --query commits --repos 101,102

	# List the registered metric queries
	repometrics queries list

	# Print build info
	repometrics version

Configuration:
	Connection settings come from flags or the environment (AUGUR_HOST,
	AUGUR_PORT, AUGUR_DATABASE, AUGUR_USERNAME, AUGUR_PASSWORD for the
	warehouse; CACHE_DSN for the cache). Flags win over the environment.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("source-dsn", "", "Source warehouse connection string (overrides AUGUR_* variables)")
	pf.String("source-driver", "", "Source database driver: pgx or sqlite3")
	pf.String("cache-dsn", "", "Cache database connection string (overrides CACHE_DSN)")
	pf.String("cache-driver", "", "Cache database driver: pgx or sqlite3 (defaults to the source driver)")
	pf.Duration("cache-ttl", 0, "Expire cached entries after this duration (0 = never)")
	pf.String("log-level", "", "Minimum log level: debug, info, warn, error")
}

func SetBuildInfo(version, commit, date string) {
	if version != "" {
		buildVersion = version
	}
	if commit != "" {
		buildCommit = commit
	}
	if date != "" {
		buildDate = date
	}

	rootCmd.Version = fmt.Sprintf("%s (%s) %s", buildVersion, buildCommit, buildDate)
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func BuildInfo() (version, commit, date string) {
	return buildVersion, buildCommit, buildDate
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
