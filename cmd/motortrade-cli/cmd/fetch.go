package cmd

import (
	"fmt"

	"motortrade-backend/lib/proxyclient"

	"github.com/spf13/cobra"
)

var (
	fetchClass   string
	fetchRetries int
)

func init() {
	fetchCmd.Flags().StringVar(&fetchClass, "class", proxyclient.ClassGeneric, "endpoint class for circuit breaking (search|brands|detail|generic)")
	fetchCmd.Flags().IntVar(&fetchRetries, "retries", 3, "retries after the initial attempt")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Fetch one URL through the configured rotation pipeline.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		retries := fetchRetries
		if retries <= 0 {
			retries = proxyclient.NoRetries
		}
		result := client.Fetch(cmd.Context(), args[0], proxyclient.FetchOptions{
			Class:      fetchClass,
			MaxRetries: retries,
		})
		if !result.Success {
			fatal(fmt.Errorf("fetch failed after %d attempts: %w", result.Attempts, result.Err))
		}

		fmt.Println(result.Body)
		fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d in %d attempt(s)\n", result.StatusCode, result.Attempts)
	},
}
