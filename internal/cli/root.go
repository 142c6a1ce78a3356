// Package cli provides the command-line interface for the simulation core.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradesim/internal/config"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the application dependencies shared by commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{Config: cfg, Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "tradesim",
		Short: "Simulated exchange core",
		Long:  "tradesim runs a simulated exchange core: synthetic prices, order execution with margin accounting, derived orders and strategy bots.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tradesim %s\n", Version)
		},
	}
}
