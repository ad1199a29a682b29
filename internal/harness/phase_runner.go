package harness

import (
	"context"
	"fmt"
	"strings"
	"time"

	"imagetest/pkg/errkind"
)

// phaseRunner executes the steps of one phase in order.
type phaseRunner struct {
	sc       *ScenarioContext
	onResult func(StepResult)
}

func newPhaseRunner(sc *ScenarioContext, onResult func(StepResult)) *phaseRunner {
	if onResult == nil {
		onResult = func(StepResult) {}
	}
	return &phaseRunner{sc: sc, onResult: onResult}
}

// run executes the phase's steps under the given mode. In ModeFailFast
// the first failing step aborts the phase and the remaining steps are
// recorded as skipped. In ModeAlwaysRun every step is attempted and all
// failures are collected; this is how cleanup avoids leaking resources
// behind an early failure.
func (p *phaseRunner) run(ctx context.Context, name PhaseName, steps []Step, mode PhaseMode) PhaseResult {
	result := PhaseResult{
		Phase:      name,
		Outcome:    OutcomePassed,
		FailedStep: -1,
	}
	if len(steps) == 0 {
		return result
	}

	start := time.Now()
	p.sc.Logger.Info("--- phase %s (%d steps)\n", name, len(steps))

	for i, step := range steps {
		if ctx.Err() != nil && mode == ModeFailFast {
			result.StepResults = append(result.StepResults, skippedStep(step))
			continue
		}

		stepResult := p.runStep(ctx, step)
		result.StepResults = append(result.StepResults, stepResult)
		p.onResult(stepResult)

		if stepResult.Outcome == OutcomePassed {
			continue
		}

		switch mode {
		case ModeFailFast:
			result.Outcome = OutcomeFailed
			result.FailedStep = i
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: %s", step.ID, stepResult.Error))
			for _, rest := range steps[i+1:] {
				result.StepResults = append(result.StepResults, skippedStep(rest))
			}
			result.Duration = time.Since(start)
			return result
		case ModeAlwaysRun:
			result.Outcome = OutcomeFailed
			result.Errors = append(result.Errors, fmt.Sprintf("step %s: %s", step.ID, stepResult.Error))
		}
	}

	result.Duration = time.Since(start)
	return result
}

// runStep executes one step including its retry budget.
func (p *phaseRunner) runStep(ctx context.Context, step Step) StepResult {
	result := StepResult{
		Step:      step,
		StartTime: time.Now(),
	}

	attempts := 1
	delay := time.Duration(0)
	multiplier := 1.0
	if step.Retry != nil {
		attempts += step.Retry.Count
		delay = step.Retry.Delay
		if step.Retry.BackoffMultiplier > 1 {
			multiplier = step.Retry.BackoffMultiplier
		}
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			result.Retries++
			p.sc.Logger.Debug("retrying step %s (attempt %d/%d) after %v\n", step.ID, attempt+1, attempts, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
				continue
			}
			delay = time.Duration(float64(delay) * multiplier)
		}

		stepCtx := ctx
		if step.Timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}

		p.sc.Logger.Debug("step %s: %s\n", step.ID, step.Action)
		actionResult, actionErr := runAction(stepCtx, p.sc, step)
		if actionResult != nil {
			result.Output = actionResult.Output
		}

		lastErr = evaluateExpectation(step.Expect, actionResult, actionErr)
		if lastErr == nil {
			if step.Store != "" && actionResult != nil {
				value := actionResult.Value
				if value == nil {
					value = actionResult.Output
				}
				p.sc.Store(step.Store, value)
			}
			result.Outcome = OutcomePassed
			result.EndTime = time.Now()
			result.Duration = result.EndTime.Sub(result.StartTime)
			return result
		}
	}

	result.Outcome = OutcomeFailed
	result.Error = lastErr.Error()
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	return result
}

// evaluateExpectation compares what the action did against what the
// step declared. A mismatch is a step assertion failure.
func evaluateExpectation(expect Expectation, result *ActionResult, actionErr error) error {
	succeeded := actionErr == nil
	if succeeded && result != nil && result.ExitCode != nil && *result.ExitCode != 0 {
		succeeded = false
	}

	if expect.ExitCode != nil {
		if actionErr != nil {
			return errkind.Wrap(errkind.KindStepAssertion, actionErr, "expected exit code %d but the action errored", *expect.ExitCode)
		}
		if result == nil || result.ExitCode == nil {
			return errkind.New(errkind.KindStepAssertion, "expected exit code %d but the action reports none", *expect.ExitCode)
		}
		if *result.ExitCode != *expect.ExitCode {
			return errkind.New(errkind.KindStepAssertion, "expected exit code %d, got %d", *expect.ExitCode, *result.ExitCode)
		}
	} else if expect.WantSuccess() {
		if !succeeded {
			if actionErr != nil {
				return errkind.Wrap(errkind.KindStepAssertion, actionErr, "step failed")
			}
			return errkind.New(errkind.KindStepAssertion, "command exited %d", *result.ExitCode)
		}
	} else {
		if succeeded {
			return errkind.New(errkind.KindStepAssertion, "expected the step to fail, but it succeeded")
		}
		for _, want := range expect.ErrorContains {
			if !failureContains(result, actionErr, want) {
				return errkind.New(errkind.KindStepAssertion, "failure does not mention %q", want)
			}
		}
		// An expected failure with the right message passes; skip the
		// output checks since there may be no output at all.
		return nil
	}

	output := ""
	if result != nil {
		output = result.Output
	}
	for _, want := range expect.Contains {
		if !strings.Contains(output, want) {
			return errkind.New(errkind.KindStepAssertion, "output does not contain %q", want)
		}
	}
	for _, unwanted := range expect.NotContains {
		if strings.Contains(output, unwanted) {
			return errkind.New(errkind.KindStepAssertion, "output contains %q", unwanted)
		}
	}
	return nil
}

// failureContains checks the error message and any captured output for
// the expected substring.
func failureContains(result *ActionResult, actionErr error, want string) bool {
	if actionErr != nil && strings.Contains(actionErr.Error(), want) {
		return true
	}
	return result != nil && strings.Contains(result.Output, want)
}

func skippedStep(step Step) StepResult {
	now := time.Now()
	return StepResult{
		Step:      step,
		Outcome:   OutcomeSkipped,
		StartTime: now,
		EndTime:   now,
	}
}
