package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayusman/oaklog/internal/config"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "oaklog",
	Short: "Record synchronized color, depth and detections from a depth camera",
	Long: `oaklog runs a stereo depth camera with an on-device detection network,
pairs every color frame with its depth map and detections, and fans each
bundle out to disk, a sqlite catalog and a live viewer.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// execute runs the root command and maps the outcome to an exit code.
func execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(rootCmd.ErrOrStderr(), "error:", err)
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	default:
		return exitFailed
	}
}
