package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "configs/taskforge.json"
	}

	var cfgPath string
	root := &cobra.Command{
		Use:           "taskforge",
		Short:         "Plan and execute goals with an LLM planner and a capability registry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultPath, "path to the JSON config file")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newPlanCmd(&cfgPath),
		newRunCmd(&cfgPath),
		newWatchCmd(&cfgPath),
	)
	return root
}
