package harness

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerTestAction adds a throwaway action for the duration of one
// test.
func registerTestAction(t *testing.T, name string, fn ActionFunc) {
	t.Helper()
	actions[name] = fn
	t.Cleanup(func() { delete(actions, name) })
}

func newTestContext(t *testing.T) *ScenarioContext {
	t.Helper()
	return NewScenarioContext(Scenario{Name: "unit"}, t.TempDir(), NewSilentLogger())
}

func okAction(output string) ActionFunc {
	return func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		return &ActionResult{Output: output}, nil
	}
}

func failAction(msg string) ActionFunc {
	return func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		return nil, fmt.Errorf("%s", msg)
	}
}

func TestRunPhaseFailFastAbortsAndSkipsRest(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))
	registerTestAction(t, "t.boom", failAction("broken"))

	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	steps := []Step{
		{ID: "one", Action: "t.ok"},
		{ID: "two", Action: "t.boom"},
		{ID: "three", Action: "t.ok"},
	}

	result := pr.run(context.Background(), PhaseTest, steps, ModeFailFast)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, result.FailedStep)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, OutcomePassed, result.StepResults[0].Outcome)
	assert.Equal(t, OutcomeFailed, result.StepResults[1].Outcome)
	assert.Equal(t, OutcomeSkipped, result.StepResults[2].Outcome)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "broken")
}

func TestRunPhaseAlwaysRunAttemptsEveryStep(t *testing.T) {
	var attempts atomic.Int32
	registerTestAction(t, "t.count-fail", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		attempts.Add(1)
		return nil, fmt.Errorf("step %d failed", attempts.Load())
	})

	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	steps := []Step{
		{ID: "one", Action: "t.count-fail"},
		{ID: "two", Action: "t.count-fail"},
		{ID: "three", Action: "t.count-fail"},
	}

	result := pr.run(context.Background(), PhaseCleanup, steps, ModeAlwaysRun)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, -1, result.FailedStep)
	assert.Equal(t, int32(3), attempts.Load(), "always-run must attempt every step")
	assert.Len(t, result.Errors, 3)
}

func TestRunPhaseEmptyPasses(t *testing.T) {
	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	result := pr.run(context.Background(), PhaseSetup, nil, ModeFailFast)
	assert.Equal(t, OutcomePassed, result.Outcome)
	assert.Empty(t, result.StepResults)
}

func TestRunStepRetrySucceedsEventually(t *testing.T) {
	var attempts atomic.Int32
	registerTestAction(t, "t.flaky", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("not yet")
		}
		return &ActionResult{Output: "recovered"}, nil
	})

	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	result := pr.runStep(context.Background(), Step{
		ID:     "flaky",
		Action: "t.flaky",
		Retry:  &RetryConfig{Count: 5, Delay: time.Millisecond},
	})

	assert.Equal(t, OutcomePassed, result.Outcome)
	assert.Equal(t, 2, result.Retries)
	assert.Equal(t, "recovered", result.Output)
}

func TestRunStepRetryBudgetExhausted(t *testing.T) {
	registerTestAction(t, "t.boom", failAction("still broken"))

	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	result := pr.runStep(context.Background(), Step{
		ID:     "hopeless",
		Action: "t.boom",
		Retry:  &RetryConfig{Count: 2, Delay: time.Millisecond},
	})

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 2, result.Retries)
	assert.Contains(t, result.Error, "still broken")
}

func TestRunStepStoresResult(t *testing.T) {
	registerTestAction(t, "t.value", func(context.Context, *ScenarioContext, map[string]interface{}) (*ActionResult, error) {
		return &ActionResult{Output: "raw output", Value: "the value"}, nil
	})

	sc := newTestContext(t)
	pr := newPhaseRunner(sc, nil)

	result := pr.runStep(context.Background(), Step{ID: "v", Action: "t.value", Store: "saved"})
	require.Equal(t, OutcomePassed, result.Outcome)

	stored, ok := sc.LookupString("saved")
	require.True(t, ok)
	assert.Equal(t, "the value", stored)
}

func TestRunStepReportsToCallback(t *testing.T) {
	registerTestAction(t, "t.ok", okAction("fine"))

	var reported []StepResult
	sc := newTestContext(t)
	pr := newPhaseRunner(sc, func(r StepResult) { reported = append(reported, r) })

	pr.run(context.Background(), PhaseTest, []Step{{ID: "one", Action: "t.ok"}}, ModeFailFast)
	require.Len(t, reported, 1)
	assert.Equal(t, "one", reported[0].Step.ID)
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestEvaluateExpectation(t *testing.T) {
	tests := []struct {
		name      string
		expect    Expectation
		result    *ActionResult
		actionErr error
		wantErr   string
	}{
		{
			name:   "default expects success",
			result: &ActionResult{Output: "ok"},
		},
		{
			name:      "default fails on action error",
			actionErr: fmt.Errorf("exploded"),
			wantErr:   "exploded",
		},
		{
			name:    "default fails on non-zero exit",
			result:  &ActionResult{Output: "", ExitCode: intPtr(2)},
			wantErr: "exited 2",
		},
		{
			name:   "exit code match",
			expect: Expectation{ExitCode: intPtr(2)},
			result: &ActionResult{ExitCode: intPtr(2)},
		},
		{
			name:    "exit code mismatch",
			expect:  Expectation{ExitCode: intPtr(0)},
			result:  &ActionResult{ExitCode: intPtr(1)},
			wantErr: "expected exit code 0, got 1",
		},
		{
			name:    "expected failure that succeeds",
			expect:  Expectation{Success: boolPtr(false)},
			result:  &ActionResult{Output: "ok"},
			wantErr: "expected the step to fail",
		},
		{
			name:      "expected failure with matching message",
			expect:    Expectation{Success: boolPtr(false), ErrorContains: []string{"quota"}},
			actionErr: fmt.Errorf("quota exceeded"),
		},
		{
			name:      "expected failure with wrong message",
			expect:    Expectation{Success: boolPtr(false), ErrorContains: []string{"quota"}},
			actionErr: fmt.Errorf("permission denied"),
			wantErr:   `does not mention "quota"`,
		},
		{
			name:   "contains match",
			expect: Expectation{Contains: []string{"active"}},
			result: &ActionResult{Output: "service is active\n"},
		},
		{
			name:    "contains mismatch",
			expect:  Expectation{Contains: []string{"active"}},
			result:  &ActionResult{Output: "service is dead\n"},
			wantErr: `does not contain "active"`,
		},
		{
			name:    "not_contains violation",
			expect:  Expectation{NotContains: []string{"error"}},
			result:  &ActionResult{Output: "error: boot failed\n"},
			wantErr: `contains "error"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluateExpectation(tt.expect, tt.result, tt.actionErr)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
