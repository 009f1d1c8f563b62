package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/activitytracker/internal/activitytracker/configuration"
	"github.com/G-Research/activitytracker/internal/common"
	commonconfig "github.com/G-Research/activitytracker/internal/common/config"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/activitytracker"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "activitytracker",
		SilenceUsage: true,
		Short:        "Records the activity of running integration flows from their logs",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return errors.WithStack(viper.BindPFlag(CustomConfigLocation, cmd.Flags().Lookup(CustomConfigLocation)))
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		pruneCmd(),
	)

	return cmd
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
