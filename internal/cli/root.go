// Package cli implements the localagent command surface.
package cli

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/localagent/localagent/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		" _                 _                   _\n" +
		"| | ___   ___ __ _| | __ _  __ _  ___ _ __ | |_\n" +
		"| |/ _ \\ / __/ _` | |/ _` |/ _` |/ _ \\ '_ \\| __|\n" +
		"| | (_) | (_| (_| | | (_| | (_| |  __/ | | | |_\n" +
		"|_|\\___/ \\___\\__,_|_|\\__,_|\\__, |\\___|_| |_|\\__|\n" +
		"                           |___/\n"
)

// exitCode carries the run outcome to main. A command error exits 1 unless
// the run already set a nonzero code.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "localagent",
	Short: "LocalAgent - gated tool-calling agent for local models",
	Long: color.CyanString(logo) +
		"\nA local-runtime agent that drives LM Studio, llama.cpp server or Ollama\nthrough a policy-gated, budgeted tool-calling loop.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			return 1
		}
	}
	return exitCode
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(replayCmd)
}

// loadWorkdirConfig builds the effective config for the current
// directory; every non-run command starts here.
func loadWorkdirConfig() (*config.Config, error) {
	workdir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return config.Load(workdir)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the localagent version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("localagent %s\n", version)
	},
}
