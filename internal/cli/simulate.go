package cli

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tvl-threshold-alerts/internal/app"
)

var (
	simulateName  string
	simulateTVL   float64
	simulateChain string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a sample crossing alert to the configured chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(simulateName) == "" {
			return errors.New("--name must not be empty")
		}
		if simulateTVL <= 0 {
			return errors.New("--tvl must be greater than zero")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Name:  strings.TrimSpace(simulateName),
			TVL:   decimal.NewFromFloat(simulateTVL),
			Chain: simulateChain,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateName, "name", "Example Protocol", "Protocol name shown in the alert")
	simulateCmd.Flags().Float64Var(&simulateTVL, "tvl", 12_500_000, "TVL in USD shown in the alert")
	simulateCmd.Flags().StringVar(&simulateChain, "chain", "Ethereum", "Chain shown in the alert")
}
