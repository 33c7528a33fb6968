package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nutrilens",
	Short: "Estimates the nutrition of a meal from a photo",
	Long: `nutrilens detects the foods in a meal photo, asks about preparation where it
matters, and estimates calories and macros. Ingredient choices can be adjusted
afterwards without another model call.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, analyzeCmd, recalculateCmd, categoriesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
