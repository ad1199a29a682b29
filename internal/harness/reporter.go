package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// stdoutReporter prints progress and results to standard output. In
// parallel mode the per-scenario output is buffered and flushed when
// the scenario completes, so interleaved runs stay readable.
type stdoutReporter struct {
	verbose bool
	debug   bool

	mu       sync.Mutex
	parallel bool
	pending  map[string][]string
}

// NewStdoutReporter creates the default console reporter.
func NewStdoutReporter(verbose, debug bool) Reporter {
	return &stdoutReporter{
		verbose: verbose,
		debug:   debug,
		pending: make(map[string][]string),
	}
}

func (r *stdoutReporter) SetParallelMode(parallel bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parallel = parallel
}

// emit prints a line immediately, or buffers it under the scenario name
// when running in parallel.
func (r *stdoutReporter) emit(scenario, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parallel && scenario != "" {
		r.pending[scenario] = append(r.pending[scenario], line)
		return
	}
	fmt.Print(line)
}

func (r *stdoutReporter) flush(scenario string) {
	r.mu.Lock()
	lines := r.pending[scenario]
	delete(r.pending, scenario)
	r.mu.Unlock()
	for _, line := range lines {
		fmt.Print(line)
	}
}

func (r *stdoutReporter) ReportStart(config Config) {
	fmt.Printf("Image test suite starting (compose: %s)\n", config.ComposeURL)
	if config.Cloud != "" {
		fmt.Printf("Cloud filter: %s\n", config.Cloud)
	}
	if config.Parallel > 1 {
		fmt.Printf("Running up to %d scenarios in parallel\n", config.Parallel)
	}
	fmt.Println()
}

func (r *stdoutReporter) ReportScenarioStart(scenario Scenario) {
	line := fmt.Sprintf("=== %s", scenario.Name)
	if scenario.Cloud != "" && scenario.Cloud != "none" {
		line += fmt.Sprintf(" (cloud: %s)", scenario.Cloud)
	}
	r.emit(scenario.Name, line+"\n")
	if r.verbose && scenario.Description != "" {
		r.emit(scenario.Name, "    "+scenario.Description+"\n")
	}
}

func (r *stdoutReporter) ReportStepResult(stepResult StepResult) {
	if !r.verbose && stepResult.Outcome == OutcomePassed {
		return
	}
	marker := outcomeMarker(stepResult.Outcome)
	line := fmt.Sprintf("  %s %s (%s, %s)\n",
		marker, stepResult.Step.ID, stepResult.Step.Action, stepResult.Duration.Round(time.Millisecond))
	if stepResult.Error != "" {
		line += fmt.Sprintf("      %s\n", stepResult.Error)
	}
	if r.debug && stepResult.Output != "" {
		line += fmt.Sprintf("      output: %s\n", stepResult.Output)
	}
	// Step results do not know their scenario; in parallel mode the
	// scenario-level flush keeps ordering, so print directly only when
	// sequential.
	r.mu.Lock()
	parallel := r.parallel
	r.mu.Unlock()
	if !parallel {
		fmt.Print(line)
	}
}

func (r *stdoutReporter) ReportScenarioResult(scenarioResult ScenarioResult) {
	name := scenarioResult.Scenario.Name
	line := fmt.Sprintf("--- %s: %s (%s)\n", outcomeMarker(scenarioResult.Outcome), name,
		scenarioResult.Duration.Round(time.Millisecond))
	if scenarioResult.Error != "" {
		line += fmt.Sprintf("    %s\n", scenarioResult.Error)
	}
	for _, leak := range scenarioResult.Leaks {
		line += fmt.Sprintf("    LEAKED: %s\n", leak)
	}
	r.emit(name, line)
	r.flush(name)
}

func (r *stdoutReporter) ReportSuiteResult(suiteResult SuiteResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Scenario", "Cloud", "Outcome", "Duration", "Leaks"})

	for _, res := range suiteResult.ScenarioResults {
		cloudName := res.Scenario.Cloud
		if cloudName == "" {
			cloudName = "none"
		}
		t.AppendRow(table.Row{
			res.Scenario.Name,
			cloudName,
			colorOutcome(res.Outcome),
			res.Duration.Round(time.Second),
			len(res.Leaks),
		})
	}
	fmt.Println()
	t.Render()

	fmt.Printf("\n%d scenarios: %d passed, %d failed, %d skipped, %d errors (%s)\n",
		suiteResult.TotalScenarios,
		suiteResult.PassedScenarios,
		suiteResult.FailedScenarios,
		suiteResult.SkippedScenarios,
		suiteResult.ErrorScenarios,
		suiteResult.Duration.Round(time.Second))

	if suiteResult.LeakedResources > 0 {
		fmt.Printf("\nWARNING: %d cloud resources were leaked. A leaked resource costs money\n"+
			"until someone deletes it by hand; inspect the report and clean up.\n",
			suiteResult.LeakedResources)
	}
}

func outcomeMarker(outcome Outcome) string {
	switch outcome {
	case OutcomePassed:
		return "PASS"
	case OutcomeFailed:
		return "FAIL"
	case OutcomeSkipped:
		return "SKIP"
	default:
		return "ERROR"
	}
}

func colorOutcome(outcome Outcome) string {
	switch outcome {
	case OutcomePassed:
		return text.FgGreen.Sprint(outcome)
	case OutcomeFailed, OutcomeError:
		return text.FgRed.Sprint(outcome)
	case OutcomeSkipped:
		return text.FgYellow.Sprint(outcome)
	default:
		return string(outcome)
	}
}

// WriteReport writes the machine-readable suite report as JSON.
func WriteReport(path string, result *SuiteResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
