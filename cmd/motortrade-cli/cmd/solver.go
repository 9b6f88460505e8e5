package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	solverCmd.AddCommand(solverBalanceCmd)
	rootCmd.AddCommand(solverCmd)
}

var solverCmd = &cobra.Command{
	Use:   "solver",
	Short: "Interact with the CAPTCHA solving service.",
}

var solverBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the remaining solving service credit.",
	Run: func(cmd *cobra.Command, args []string) {
		balance, err := solver.Balance(cmd.Context())
		if err != nil {
			fatal(err)
		}
		fmt.Printf("$%.2f\n", balance)
	},
}
