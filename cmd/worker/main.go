package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "worker",
		Short:        "Fulfillment saga consumers for the EcoShop order flow",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(stockCmd())
	rootCmd.AddCommand(cartCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(purchasesCmd())
	rootCmd.AddCommand(emailCmd())
	rootCmd.AddCommand(rewardsCmd())
	rootCmd.AddCommand(topologyCmd())
	rootCmd.AddCommand(emitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
