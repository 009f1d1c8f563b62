package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/activitytracker/internal/activitytracker"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the activity tracker",
		RunE:  runTracker,
	}
	return cmd
}

func runTracker(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return activitytracker.Run(config)
}
