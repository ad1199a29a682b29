package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"imagetest/pkg/errkind"
)

// Exit codes for CLI commands, chosen so CI pipelines can tell a
// failed test apart from a broken environment or a leak.
const (
	// ExitCodeSuccess indicates all scenarios passed.
	ExitCodeSuccess = 0
	// ExitCodeFailure indicates at least one scenario failed or errored.
	ExitCodeFailure = 1
	// ExitCodeConfig indicates missing credentials or invalid configuration.
	ExitCodeConfig = 2
	// ExitCodeLeak indicates leaked cloud resources under strict leak checking.
	ExitCodeLeak = 3
)

// rootCmd is the base command for the imagetest application.
var rootCmd = &cobra.Command{
	Use:   "imagetest",
	Short: "Build disk images and verify them on real clouds",
	Long: `imagetest drives end-to-end disk image tests: it submits blueprints to a
compose engine, waits for the build, fetches the artifact, deploys it to
AWS, Azure, or OpenStack, verifies the running instance over SSH, and
tears everything down again.

Scenarios are YAML files describing the setup, test, and cleanup steps;
every cloud resource a scenario creates is tracked and deleted when the
scenario ends, pass or fail.`,
	// SilenceUsage keeps error output clean; handled errors should not
	// dump the usage text.
	SilenceUsage: true,
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "imagetest version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps a command error to its exit code.
func getExitCode(err error) int {
	if errors.Is(err, errkind.ConfigMissing) {
		return ExitCodeConfig
	}
	if errors.Is(err, errkind.ResourceLeak) {
		return ExitCodeLeak
	}
	return ExitCodeFailure
}
