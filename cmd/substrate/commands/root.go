package commands

import (
	"github.com/spf13/cobra"
)

var (
	// dbPath is the path to the SQLite summarystore database.
	dbPath string

	// clientID is the client id this invocation acts as.
	clientID string

	// outputFormat controls output format (text, json).
	outputFormat string
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "substrate",
	Short: "Summarizer subsystem CLI",
	Long: `Substrate CLI drives and inspects a client-side document
summarizer: the agent that watches an ordered operation stream and
periodically submits compacted summaries through an ordering service.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&dbPath, "db", "",
		"Path to the summarystore SQLite database "+
			"(default: ~/.subtrate/subtrate.db)",
	)
	rootCmd.PersistentFlags().StringVar(
		&clientID, "client-id", "local-client",
		"Client id to act as",
	)
	rootCmd.PersistentFlags().StringVar(
		&outputFormat, "format", "text",
		"Output format: text, json",
	)

	rootCmd.AddCommand(summarizerCmd)
	rootCmd.AddCommand(versionCmd)
}
