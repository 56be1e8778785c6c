package main

import (
	"fmt"
	"os"

	"github.com/benvon/voice-gateway/cmd/gatewayctl/commands"
	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operator tool for the voice gateway",
		Long:  "CLI tool for probing a running gateway and inspecting its effective configuration",
	}

	rootCmd.AddCommand(commands.NewHealthCmd())
	rootCmd.AddCommand(commands.NewCorsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
