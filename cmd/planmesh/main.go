// Package main implements the planmesh CLI for running tasks and inspecting
// prompt templates.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hupe1980/planmesh/config"
)

var (
	// configPath is the YAML configuration file (optional)
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "planmesh",
	Short: "Run tasks with interchangeable planning strategies",
	Long: `planmesh plans a task with a language model, executes the plan with tools
and streams the progress of every step.

Configuration is read from --config (YAML) and PLANMESH_* environment
variables, for example PLANMESH_LLM_PROVIDER=openai PLANMESH_LLM_MODEL=gpt-4o-mini.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a planmesh YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(templatesCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
