package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"nutrilens"
	"nutrilens/nutrition"

	"github.com/spf13/cobra"
)

// recalculateInput mirrors the POST /v1/recalculate body.
type recalculateInput struct {
	Items          []nutrilens.FoodItem `json:"items"`
	OriginalTotals nutrilens.Totals     `json:"originalTotals"`
}

var recalculateCmd = &cobra.Command{
	Use:   "recalculate [file]",
	Short: "Rescale a meal from its ingredient selections without a model call",
	Long: `recalculate reads {"items": [...], "originalTotals": {...}} from a file or
stdin and prints the adjusted items and totals.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfigs()
		if err != nil {
			return err
		}
		resolver, err := newResolver(c.pipeline)
		if err != nil {
			return err
		}

		var r io.Reader = cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		var in recalculateInput
		if err := json.NewDecoder(r).Decode(&in); err != nil {
			return fmt.Errorf("failed to decode input: %w", err)
		}

		res := nutrition.NewEngine(resolver.Catalog()).Recalculate(in.Items, in.OriginalTotals)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

var categoriesCmd = &cobra.Command{
	Use:   "categories [food]",
	Short: "List ingredient categories, optionally only those that apply to a food",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfigs()
		if err != nil {
			return err
		}
		resolver, err := newResolver(c.pipeline)
		if err != nil {
			return err
		}

		cats := resolver.Catalog().Categories()
		if len(args) == 1 {
			cats = resolver.ApplicableCategories(args[0])
		}
		for _, cat := range cats {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", cat.ID, cat.Label)
			for _, o := range cat.Options {
				marker := " "
				if o.IsHealthy {
					marker = "+"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s %-12s x%.2f\n", marker, o.ID, o.Multiplier)
			}
		}
		return nil
	},
}
