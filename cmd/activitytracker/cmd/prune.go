package cmd

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/activitytracker/internal/activitytracker/retention"
	"github.com/G-Research/activitytracker/internal/common/logctx"
	"github.com/G-Research/activitytracker/internal/jsondb"
)

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "removes expired activity records from the store",
		RunE:  prune,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the prune will fail if it has not completed")
	cmd.Flags().Duration(
		"expireAfter",
		0,
		"Age after which activity records are removed. Defaults to the configured retention time")
	return cmd
}

func prune(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	sweeperConfig := config.SweeperConfig()
	if expireAfter > 0 {
		sweeperConfig.RetentionTime = expireAfter
	}

	ctx, cancel := logctx.WithTimeout(logctx.Background(), timeout)
	defer cancel()
	store, err := jsondb.New(ctx, config.Store)
	if err != nil {
		return errors.WithMessagef(err, "failed to open activity store")
	}

	err = retention.NewSweeper(store, sweeperConfig, clock.RealClock{}).Sweep(ctx)
	return multierror.Append(err, store.Close()).ErrorOrNil()
}
