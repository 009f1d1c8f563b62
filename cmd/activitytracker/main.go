package main

import (
	"os"

	"github.com/G-Research/activitytracker/cmd/activitytracker/cmd"
	"github.com/G-Research/activitytracker/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
