package cmd

import (
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"imagetest/internal/harness"
)

var (
	listConfigPath string
	listCloud      string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List available test scenarios",
	Long: `The list command shows every scenario found in the configuration path,
with its target cloud, tags, and step counts. Use it to check what a
filter would match before starting a run.`,
	RunE: listScenarios,
}

func init() {
	defaults := harness.DefaultConfig()

	listCmd.Flags().StringVar(&listConfigPath, "config-path", defaults.ConfigPath, "Scenario definitions (file or directory)")
	listCmd.Flags().StringVar(&listCloud, "cloud", "", "Show only scenarios targeting this cloud")
	_ = listCmd.RegisterFlagCompletionFunc("cloud", completeCloudFlag)

	rootCmd.AddCommand(listCmd)
}

func listScenarios(cmd *cobra.Command, args []string) error {
	loader := harness.NewLoader(harness.NewSilentLogger())
	scenarios, err := loader.LoadScenarios(listConfigPath)
	if err != nil {
		return err
	}
	scenarios = loader.FilterScenarios(scenarios, harness.Config{Cloud: listCloud})

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Name", "Cloud", "Tags", "Steps", "Description"})

	for _, s := range scenarios {
		cloudName := s.Cloud
		if cloudName == "" {
			cloudName = "none"
		}
		name := s.Name
		if s.Skip {
			name += " (skipped)"
		}
		t.AppendRow(table.Row{
			name,
			cloudName,
			strings.Join(s.Tags, ", "),
			len(s.Setup) + len(s.Test) + len(s.Cleanup),
			s.Description,
		})
	}
	t.Render()
	return nil
}
