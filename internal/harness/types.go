package harness

import (
	"context"
	"time"

	"imagetest/internal/cloud"
)

// Outcome represents the result of a scenario, phase, or step.
type Outcome string

const (
	// OutcomePassed indicates the unit completed as expected.
	OutcomePassed Outcome = "PASSED"
	// OutcomeFailed indicates an expectation was not met.
	OutcomeFailed Outcome = "FAILED"
	// OutcomeSkipped indicates the unit did not run.
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeError indicates the harness could not execute the unit.
	OutcomeError Outcome = "ERROR"
)

// PhaseName identifies one of the three scenario phases.
type PhaseName string

const (
	PhaseSetup   PhaseName = "setup"
	PhaseTest    PhaseName = "test"
	PhaseCleanup PhaseName = "cleanup"
)

// PhaseMode selects how a phase treats step failures.
type PhaseMode int

const (
	// ModeFailFast aborts the phase at the first step whose outcome does
	// not match its expectation. Setup and Test run this way.
	ModeFailFast PhaseMode = iota
	// ModeAlwaysRun attempts every step even when earlier ones fail and
	// collects all failures. Cleanup runs this way; a half-finished
	// teardown hiding later failures would leak resources silently.
	ModeAlwaysRun
)

// Logger provides per-scenario logging for the harness. Scenario runs
// can execute in parallel, so implementations must be safe for
// concurrent use.
type Logger interface {
	// Debug logs debug-level messages (only shown when debug is on).
	Debug(format string, args ...interface{})
	// Info logs info-level messages (shown when verbose or debug is on).
	Info(format string, args ...interface{})
	// Error logs error-level messages (always shown).
	Error(format string, args ...interface{})
	// IsDebugEnabled returns whether debug logging is enabled.
	IsDebugEnabled() bool
	// IsVerboseEnabled returns whether verbose logging is enabled.
	IsVerboseEnabled() bool
}

// Config defines the overall suite execution configuration.
type Config struct {
	// Timeout is the overall per-scenario execution bound unless the
	// scenario declares its own.
	Timeout time.Duration `yaml:"timeout"`
	// Cloud filters scenarios by target cloud variant.
	Cloud string `yaml:"cloud,omitempty"`
	// Scenario filters execution to one named scenario.
	Scenario string `yaml:"scenario,omitempty"`
	// Tag filters scenarios carrying the given tag.
	Tag string `yaml:"tag,omitempty"`
	// Parallel is the number of scenarios run concurrently.
	Parallel int `yaml:"parallel"`
	// FailFast stops the suite on the first failed scenario.
	FailFast bool `yaml:"fail_fast"`
	// Verbose enables detailed output.
	Verbose bool `yaml:"verbose"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// ConfigPath is the path to scenario definitions (file or directory).
	ConfigPath string `yaml:"config_path,omitempty"`
	// ReportPath is where the JSON suite report is written.
	ReportPath string `yaml:"report_path,omitempty"`
	// ComposeURL is the build engine endpoint.
	ComposeURL string `yaml:"compose_url,omitempty"`
	// WorkDir is the base directory for per-scenario working
	// directories. Empty means the system temp directory.
	WorkDir string `yaml:"work_dir,omitempty"`
	// KeepWorkDir keeps scenario working directories for debugging.
	KeepWorkDir bool `yaml:"keep_work_dir,omitempty"`
	// StrictLeaks makes leaked cloud resources fail the suite exit code
	// instead of only being reported.
	StrictLeaks bool `yaml:"strict_leaks,omitempty"`
}

// Scenario defines one complete build-deploy-verify-teardown test case.
// Scenarios are immutable once loaded.
type Scenario struct {
	// Name is the unique identifier for the scenario.
	Name string `yaml:"name"`
	// Description provides a human-readable summary.
	Description string `yaml:"description,omitempty"`
	// Cloud is the target cloud variant: none, aws, azure, openstack.
	Cloud string `yaml:"cloud,omitempty"`
	// RequiredEnv lists environment variables that must be present
	// before Setup proceeds; checking them is Setup's first job.
	RequiredEnv []string `yaml:"required_env,omitempty"`
	// Setup steps provision prerequisites. Fail-fast.
	Setup []Step `yaml:"setup,omitempty"`
	// Test steps build, deploy, and verify. Fail-fast.
	Test []Step `yaml:"test"`
	// Cleanup steps tear everything down. Always run, all attempted.
	Cleanup []Step `yaml:"cleanup,omitempty"`
	// Timeout bounds this scenario; zero falls back to the suite config.
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// Tags for additional categorization.
	Tags []string `yaml:"tags,omitempty"`
	// Skip marks the scenario as skipped.
	Skip bool `yaml:"skip,omitempty"`
}

// Step is a single action invocation plus its expected outcome.
// Immutable after loading.
type Step struct {
	// ID is the step identifier.
	ID string `yaml:"id"`
	// Description explains what the step does.
	Description string `yaml:"description,omitempty"`
	// Action names the harness action to invoke (shell, compose.start,
	// cloud.launch, ...).
	Action string `yaml:"action"`
	// Args are the action arguments. Values may reference results stored
	// by earlier steps as {{ name }}.
	Args map[string]interface{} `yaml:"args,omitempty"`
	// Expect defines the expected outcome.
	Expect Expectation `yaml:"expect,omitempty"`
	// Store saves the action's result under this name for later steps.
	Store string `yaml:"store,omitempty"`
	// Retry configuration for this step.
	Retry *RetryConfig `yaml:"retry,omitempty"`
	// Timeout for this specific step.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Expectation defines what outcome is expected from a step. The zero
// value expects plain success.
type Expectation struct {
	// Success indicates whether the action should succeed. Nil means true.
	Success *bool `yaml:"success,omitempty"`
	// ExitCode asserts the exact exit code of a shell action.
	ExitCode *int `yaml:"exit_code,omitempty"`
	// Contains checks that output contains every listed substring.
	Contains []string `yaml:"contains,omitempty"`
	// NotContains checks that output contains none of the substrings.
	NotContains []string `yaml:"not_contains,omitempty"`
	// ErrorContains checks the failure message when success is false.
	ErrorContains []string `yaml:"error_contains,omitempty"`
}

// WantSuccess resolves the default for the Success field.
func (e Expectation) WantSuccess() bool {
	return e.Success == nil || *e.Success
}

// RetryConfig defines retry behavior for steps whose outcome is
// transient, like polling a service that is still booting.
type RetryConfig struct {
	// Count is the number of retry attempts after the first try.
	Count int `yaml:"count"`
	// Delay between retry attempts.
	Delay time.Duration `yaml:"delay"`
	// BackoffMultiplier for exponential backoff. Zero means constant.
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Step      Step          `json:"step"`
	Outcome   Outcome       `json:"outcome"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	// Output is the action's textual output (stdout+stderr for shell).
	Output string `json:"output,omitempty"`
	// Error holds the failure message when the step did not pass.
	Error string `json:"error,omitempty"`
	// Retries is the number of retries attempted.
	Retries int `json:"retries"`
}

// PhaseResult records the outcome of one phase.
type PhaseResult struct {
	Phase       PhaseName     `json:"phase"`
	Outcome     Outcome       `json:"outcome"`
	StepResults []StepResult  `json:"step_results"`
	Duration    time.Duration `json:"duration"`
	// FailedStep is the index of the step that aborted a fail-fast
	// phase; -1 otherwise.
	FailedStep int `json:"failed_step"`
	// Errors collects every failure in an always-run phase.
	Errors []string `json:"errors,omitempty"`
}

// ScenarioResult records the outcome of a full scenario.
type ScenarioResult struct {
	Scenario     Scenario         `json:"scenario"`
	Outcome      Outcome          `json:"outcome"`
	StartTime    time.Time        `json:"start_time"`
	EndTime      time.Time        `json:"end_time"`
	Duration     time.Duration    `json:"duration"`
	PhaseResults []PhaseResult    `json:"phase_results"`
	Error        string           `json:"error,omitempty"`
	// Leaks lists cloud resources still tracked after cleanup. Any entry
	// here is a test-suite bug even when the scenario otherwise passed.
	Leaks []cloud.Resource `json:"leaks,omitempty"`
}

// Passed reports whether the scenario counts as passed. Cleanup success
// never un-fails a failed scenario.
func (r ScenarioResult) Passed() bool {
	return r.Outcome == OutcomePassed
}

// SuiteResult represents the overall result of a suite run.
type SuiteResult struct {
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	Duration         time.Duration    `json:"duration"`
	TotalScenarios   int              `json:"total_scenarios"`
	PassedScenarios  int              `json:"passed_scenarios"`
	FailedScenarios  int              `json:"failed_scenarios"`
	SkippedScenarios int              `json:"skipped_scenarios"`
	ErrorScenarios   int              `json:"error_scenarios"`
	LeakedResources  int              `json:"leaked_resources"`
	ScenarioResults  []ScenarioResult `json:"scenario_results"`
	Configuration    Config           `json:"configuration"`
}

// Passed reports whether every scenario passed. When strict leak
// checking is on, any leaked resource also fails the suite.
func (r SuiteResult) Passed(strictLeaks bool) bool {
	if r.FailedScenarios > 0 || r.ErrorScenarios > 0 {
		return false
	}
	if strictLeaks && r.LeakedResources > 0 {
		return false
	}
	return true
}

// Loader defines how scenarios are loaded and filtered.
type Loader interface {
	// LoadScenarios loads scenario definitions from the given path.
	LoadScenarios(configPath string) ([]Scenario, error)
	// FilterScenarios filters scenarios based on the configuration.
	FilterScenarios(scenarios []Scenario, config Config) []Scenario
}

// Reporter defines how results are reported during a run.
type Reporter interface {
	// ReportStart is called when suite execution begins.
	ReportStart(config Config)
	// ReportScenarioStart is called when a scenario begins.
	ReportScenarioStart(scenario Scenario)
	// ReportStepResult is called when a step completes.
	ReportStepResult(stepResult StepResult)
	// ReportScenarioResult is called when a scenario completes.
	ReportScenarioResult(scenarioResult ScenarioResult)
	// ReportSuiteResult is called when the whole suite completes.
	ReportSuiteResult(suiteResult SuiteResult)
	// SetParallelMode enables or disables parallel output buffering.
	SetParallelMode(parallel bool)
}

// Runner defines the suite execution engine.
type Runner interface {
	// Run executes the scenarios according to the configuration.
	Run(ctx context.Context, config Config, scenarios []Scenario) (*SuiteResult, error)
}
