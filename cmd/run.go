package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"imagetest/internal/harness"
	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

var (
	runTimeout     time.Duration
	runCloud       string
	runScenario    string
	runTag         string
	runParallel    int
	runFailFast    bool
	runVerbose     bool
	runDebug       bool
	runConfigPath  string
	runReportPath  string
	runComposeURL  string
	runWorkDir     string
	runKeepWorkDir bool
	runStrictLeaks bool
)

// completeCloudFlag provides shell completion for the cloud flag.
func completeCloudFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return []string{"none", "aws", "azure", "openstack"}, cobra.ShellCompDirectiveDefault
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute image build-and-deploy test scenarios",
	Long: `The run command executes test scenarios end to end: compose, fetch,
deploy, verify, clean up.

Each scenario runs its setup and test steps fail-fast and then its
cleanup steps unconditionally, attempting every cleanup step even after
failures. Behind the scenario's own cleanup the harness deletes whatever
cloud resources are still tracked, so a crashed test does not leave
instances running.

Example usage:
  imagetest run                              # All scenarios
  imagetest run --cloud aws                  # Only AWS scenarios
  imagetest run --scenario build-local       # One scenario by name
  imagetest run --parallel 3 --fail-fast     # Parallel with early abort
  imagetest run --report results.json        # Machine-readable report`,
	RunE: runSuite,
}

func init() {
	defaults := harness.DefaultConfig()

	runCmd.Flags().DurationVar(&runTimeout, "timeout", defaults.Timeout, "Per-scenario timeout")
	runCmd.Flags().StringVar(&runCloud, "cloud", "", "Run only scenarios targeting this cloud (none, aws, azure, openstack)")
	runCmd.Flags().StringVar(&runScenario, "scenario", "", "Run only the named scenario")
	runCmd.Flags().StringVar(&runTag, "tag", "", "Run only scenarios carrying this tag")
	runCmd.Flags().IntVar(&runParallel, "parallel", defaults.Parallel, "Number of scenarios to run concurrently")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop the suite after the first failed scenario")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Show every step result")
	runCmd.Flags().BoolVar(&runDebug, "debug", false, "Show debug output including step output")
	runCmd.Flags().StringVar(&runConfigPath, "config-path", defaults.ConfigPath, "Scenario definitions (file or directory)")
	runCmd.Flags().StringVar(&runReportPath, "report", "", "Write a JSON suite report to this path")
	runCmd.Flags().StringVar(&runComposeURL, "compose-url", defaults.ComposeURL, "Compose engine endpoint")
	runCmd.Flags().StringVar(&runWorkDir, "work-dir", "", "Base directory for scenario working directories")
	runCmd.Flags().BoolVar(&runKeepWorkDir, "keep-work-dir", false, "Keep scenario working directories for debugging")
	runCmd.Flags().BoolVar(&runStrictLeaks, "strict-leaks", false, "Fail the exit code when cloud resources leak")

	_ = runCmd.RegisterFlagCompletionFunc("cloud", completeCloudFlag)

	rootCmd.AddCommand(runCmd)
}

func runSuite(cmd *cobra.Command, args []string) error {
	if runDebug {
		logging.Init(logging.LevelDebug, os.Stderr)
	} else {
		logging.InitDefault()
	}

	cfg := harness.Config{
		Timeout:     runTimeout,
		Cloud:       runCloud,
		Scenario:    runScenario,
		Tag:         runTag,
		Parallel:    runParallel,
		FailFast:    runFailFast,
		Verbose:     runVerbose,
		Debug:       runDebug,
		ConfigPath:  runConfigPath,
		ReportPath:  runReportPath,
		ComposeURL:  runComposeURL,
		WorkDir:     runWorkDir,
		KeepWorkDir: runKeepWorkDir,
		StrictLeaks: runStrictLeaks,
	}

	framework, err := harness.NewFramework(cfg)
	if err != nil {
		return err
	}

	// Ctrl-C cancels the scenario context; cleanup still runs because
	// the runner detaches it from this context.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var spin *spinner.Spinner
	if !runVerbose && !runDebug {
		spin = spinner.New(spinner.CharSets[14], 100*time.Millisecond,
			spinner.WithWriter(os.Stderr), spinner.WithSuffix(" running scenarios..."))
		spin.Start()
		defer spin.Stop()
	}

	result, err := framework.Run(ctx)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		return err
	}

	if result.Passed(runStrictLeaks) {
		return nil
	}
	if runStrictLeaks && result.FailedScenarios == 0 && result.ErrorScenarios == 0 {
		return errkind.New(errkind.KindResourceLeak, "%d cloud resources leaked", result.LeakedResources)
	}
	return fmt.Errorf("%d of %d scenarios did not pass",
		result.FailedScenarios+result.ErrorScenarios, result.TotalScenarios)
}
