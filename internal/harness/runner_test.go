package harness

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopReporter swallows all reporting during tests.
type nopReporter struct{}

func (nopReporter) ReportStart(Config)                  {}
func (nopReporter) ReportScenarioStart(Scenario)        {}
func (nopReporter) ReportStepResult(StepResult)         {}
func (nopReporter) ReportScenarioResult(ScenarioResult) {}
func (nopReporter) ReportSuiteResult(SuiteResult)       {}
func (nopReporter) SetParallelMode(bool)                {}

func newTestRunner() *suiteRunner {
	return &suiteRunner{reporter: nopReporter{}}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.ComposeURL = "http://localhost:0"
	return cfg
}

func TestRunScenarioCleanupRunsAfterTestFailure(t *testing.T) {
	var cleanups atomic.Int32
	registerTestAction(t, "t.boom", failAction("test exploded"))
	registerTestAction(t, "t.cleanup", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		cleanups.Add(1)
		return &ActionResult{}, nil
	})

	scenario := Scenario{
		Name:    "cleanup-after-failure",
		Test:    []Step{{ID: "fail", Action: "t.boom"}},
		Cleanup: []Step{{ID: "clean", Action: "t.cleanup"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, int32(1), cleanups.Load(), "cleanup must run exactly once")

	require.Len(t, result.PhaseResults, 3)
	assert.Equal(t, OutcomePassed, result.PhaseResults[0].Outcome)
	assert.Equal(t, OutcomeFailed, result.PhaseResults[1].Outcome)
	assert.Equal(t, OutcomePassed, result.PhaseResults[2].Outcome)
}

func TestRunScenarioPanickingStepStillCleansUp(t *testing.T) {
	var cleanups atomic.Int32
	var workDir string
	registerTestAction(t, "t.grab-dir", func(_ context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
		workDir = sc.WorkDir
		return &ActionResult{}, nil
	})
	registerTestAction(t, "t.panic", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		panic("action blew up")
	})
	registerTestAction(t, "t.cleanup", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		cleanups.Add(1)
		return &ActionResult{}, nil
	})

	scenario := Scenario{
		Name:    "panic-cleanup",
		Setup:   []Step{{ID: "grab", Action: "t.grab-dir"}},
		Test:    []Step{{ID: "blow", Action: "t.panic"}},
		Cleanup: []Step{{ID: "clean", Action: "t.cleanup"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Contains(t, result.Error, "action blew up")
	assert.Equal(t, int32(1), cleanups.Load(), "cleanup must still run after a panicking step")
	require.NotEmpty(t, workDir)
	assert.NoDirExists(t, workDir, "working directory must be removed on the panic path")
}

func TestRunScenarioPanickingCleanupIsAnError(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))
	registerTestAction(t, "t.cleanup-panic", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		panic("cleanup blew up")
	})

	scenario := Scenario{
		Name:    "panic-in-cleanup",
		Test:    []Step{{ID: "check", Action: "t.ok"}},
		Cleanup: []Step{{ID: "clean", Action: "t.cleanup-panic"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")

	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Contains(t, result.Error, "cleanup blew up")
}

func TestRunScenarioSetupFailureSkipsTest(t *testing.T) {
	var testRuns, cleanups atomic.Int32
	registerTestAction(t, "t.setup-boom", failAction("setup exploded"))
	registerTestAction(t, "t.test", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		testRuns.Add(1)
		return &ActionResult{}, nil
	})
	registerTestAction(t, "t.cleanup", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		cleanups.Add(1)
		return &ActionResult{}, nil
	})

	scenario := Scenario{
		Name:    "setup-failure",
		Setup:   []Step{{ID: "prep", Action: "t.setup-boom"}},
		Test:    []Step{{ID: "check", Action: "t.test"}},
		Cleanup: []Step{{ID: "clean", Action: "t.cleanup"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, int32(0), testRuns.Load(), "test phase must not run after setup failure")
	assert.Equal(t, int32(1), cleanups.Load(), "cleanup still runs after setup failure")
	assert.Equal(t, OutcomeSkipped, result.PhaseResults[1].Outcome)
}

func TestRunScenarioCleanupFailureFailsScenario(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))
	registerTestAction(t, "t.cleanup-boom", failAction("teardown exploded"))

	scenario := Scenario{
		Name:    "cleanup-failure",
		Test:    []Step{{ID: "check", Action: "t.ok"}},
		Cleanup: []Step{{ID: "clean", Action: "t.cleanup-boom"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")

	// A scenario whose test passed but whose cleanup failed did not
	// pass; something may be leaked.
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestRunScenarioCleanupNeverUnfails(t *testing.T) {
	registerTestAction(t, "t.boom", failAction("test exploded"))
	registerTestAction(t, "t.ok", okAction("fine"))

	scenario := Scenario{
		Name:    "no-unfail",
		Test:    []Step{{ID: "fail", Action: "t.boom"}},
		Cleanup: []Step{{ID: "clean", Action: "t.ok"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, "test exploded")
}

func TestRunScenarioSkip(t *testing.T) {
	var runs atomic.Int32
	registerTestAction(t, "t.count", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		runs.Add(1)
		return &ActionResult{}, nil
	})

	scenario := Scenario{
		Name: "skipped",
		Skip: true,
		Test: []Step{{ID: "check", Action: "t.count"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, int32(0), runs.Load())
}

func TestSuiteRunSequential(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))
	registerTestAction(t, "t.boom", failAction("broken"))

	scenarios := []Scenario{
		{Name: "first", Test: []Step{{ID: "s", Action: "t.ok"}}},
		{Name: "second", Test: []Step{{ID: "s", Action: "t.boom"}}},
		{Name: "third", Test: []Step{{ID: "s", Action: "t.ok"}}},
	}

	result, err := newTestRunner().Run(context.Background(), testConfig(t), scenarios)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalScenarios)
	assert.Equal(t, 2, result.PassedScenarios)
	assert.Equal(t, 1, result.FailedScenarios)
	assert.False(t, result.Passed(false))
}

func TestSuiteRunFailFastSkipsRemaining(t *testing.T) {
	registerTestAction(t, "t.boom", failAction("broken"))
	registerTestAction(t, "t.ok", okAction("fine"))

	cfg := testConfig(t)
	cfg.FailFast = true

	scenarios := []Scenario{
		{Name: "first", Test: []Step{{ID: "s", Action: "t.boom"}}},
		{Name: "second", Test: []Step{{ID: "s", Action: "t.ok"}}},
	}

	result, err := newTestRunner().Run(context.Background(), cfg, scenarios)
	require.NoError(t, err)

	assert.Equal(t, 1, result.FailedScenarios)
	assert.Equal(t, 1, result.SkippedScenarios)
	assert.Equal(t, 0, result.PassedScenarios)
}

func TestSuiteRunParallel(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))

	cfg := testConfig(t)
	cfg.Parallel = 3

	scenarios := []Scenario{
		{Name: "a", Test: []Step{{ID: "s", Action: "t.ok"}}},
		{Name: "b", Test: []Step{{ID: "s", Action: "t.ok"}}},
		{Name: "c", Test: []Step{{ID: "s", Action: "t.ok"}}},
	}

	result, err := newTestRunner().Run(context.Background(), cfg, scenarios)
	require.NoError(t, err)

	assert.Equal(t, 3, result.PassedScenarios)
	assert.True(t, result.Passed(false))

	// Results keep the declaration order regardless of completion order.
	names := make([]string, 0, 3)
	for _, res := range result.ScenarioResults {
		names = append(names, res.Scenario.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestSuiteResultStrictLeaks(t *testing.T) {
	result := SuiteResult{PassedScenarios: 1, LeakedResources: 2}
	assert.True(t, result.Passed(false), "leaks alone do not fail a default run")
	assert.False(t, result.Passed(true), "strict mode fails the run on leaks")
}

func TestRunScenarioWorkDirRemoved(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))

	var workDir string
	registerTestAction(t, "t.grab-dir", func(_ context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
		workDir = sc.WorkDir
		return &ActionResult{}, nil
	})

	scenario := Scenario{
		Name: "workdir",
		Test: []Step{{ID: "grab", Action: "t.grab-dir"}},
	}

	result := newTestRunner().runScenario(context.Background(), testConfig(t), scenario, "")
	require.Equal(t, OutcomePassed, result.Outcome)
	require.NotEmpty(t, workDir)
	assert.NoDirExists(t, workDir)
}

func TestRunScenarioKeepWorkDir(t *testing.T) {
	var workDir string
	registerTestAction(t, "t.grab-dir", func(_ context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
		workDir = sc.WorkDir
		return &ActionResult{}, nil
	})

	cfg := testConfig(t)
	cfg.KeepWorkDir = true

	scenario := Scenario{
		Name: "keep-workdir",
		Test: []Step{{ID: "grab", Action: "t.grab-dir"}},
	}

	result := newTestRunner().runScenario(context.Background(), cfg, scenario, "")
	require.Equal(t, OutcomePassed, result.Outcome)
	assert.DirExists(t, workDir)
}
