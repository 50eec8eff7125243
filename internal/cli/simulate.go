package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulatePair       string
	simulateDivergence float64
	simulateMinutes    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一行喂价数据并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePair == "" {
			return errors.New("--pair 必须提供")
		}
		return getApp().SimulateAlert(cmd.Context(), simulatePair, simulateDivergence, simulateMinutes)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "ETH/USD", "模拟的交易对")
	simulateCmd.Flags().Float64Var(&simulateDivergence, "divergence", 0, "模拟的偏差比例 (例如 0.05)")
	simulateCmd.Flags().Float64Var(&simulateMinutes, "minutes", 0, "模拟的滞后分钟数")
}
