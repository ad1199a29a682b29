package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"imagetest/internal/harness"
)

var (
	validateConfigPath string
	validateWatch      bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate scenario definitions without running them",
	Long: `The validate command loads every scenario in the configuration path and
reports structural problems: missing fields, unknown actions, duplicate
step ids, unknown cloud variants.

With --watch it keeps running and re-validates whenever a scenario file
changes, which is handy while editing scenarios.`,
	RunE: validateScenarios,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config-path", harness.DefaultScenarioPath(), "Scenario definitions (file or directory)")
	validateCmd.Flags().BoolVar(&validateWatch, "watch", false, "Re-validate when scenario files change")

	rootCmd.AddCommand(validateCmd)
}

func validateScenarios(cmd *cobra.Command, args []string) error {
	if err := validateOnce(); err != nil && !validateWatch {
		return err
	}
	if !validateWatch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	watchPath := validateConfigPath
	if info, err := os.Stat(watchPath); err == nil && !info.IsDir() {
		watchPath = filepath.Dir(watchPath)
	}
	if err := watcher.Add(watchPath); err != nil {
		return fmt.Errorf("failed to watch %s: %w", watchPath, err)
	}
	fmt.Printf("Watching %s for changes (Ctrl-C to stop)\n", watchPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isScenarioChange(event) {
				continue
			}
			fmt.Printf("\n%s changed, re-validating\n", event.Name)
			_ = validateOnce()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func isScenarioChange(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	return ext == ".yaml" || ext == ".yml"
}

func validateOnce() error {
	loader := harness.NewLoader(harness.NewSilentLogger())
	scenarios, err := loader.LoadScenarios(validateConfigPath)
	if err != nil {
		fmt.Printf("INVALID: %v\n", err)
		return err
	}
	fmt.Printf("OK: %d scenarios valid\n", len(scenarios))
	return nil
}
