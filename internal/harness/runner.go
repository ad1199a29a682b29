package harness

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"imagetest/internal/cloud"
	"imagetest/internal/compose"
)

// cleanupGrace bounds the cleanup phase and the guaranteed teardown
// when the scenario context is already cancelled or timed out.
const cleanupGrace = 15 * time.Minute

// suiteRunner executes scenarios sequentially or in parallel and
// aggregates the suite result.
type suiteRunner struct {
	reporter Reporter
}

// NewRunner creates the suite execution engine.
func NewRunner(reporter Reporter) Runner {
	return &suiteRunner{reporter: reporter}
}

func (r *suiteRunner) Run(ctx context.Context, config Config, scenarios []Scenario) (*SuiteResult, error) {
	suiteResult := &SuiteResult{
		StartTime:      time.Now(),
		TotalScenarios: len(scenarios),
		Configuration:  config,
	}

	r.reporter.ReportStart(config)

	var results []ScenarioResult
	if config.Parallel > 1 {
		results = r.runParallel(ctx, config, scenarios)
	} else {
		results = r.runSequential(ctx, config, scenarios)
	}

	for _, res := range results {
		suiteResult.ScenarioResults = append(suiteResult.ScenarioResults, res)
		suiteResult.LeakedResources += len(res.Leaks)
		switch res.Outcome {
		case OutcomePassed:
			suiteResult.PassedScenarios++
		case OutcomeFailed:
			suiteResult.FailedScenarios++
		case OutcomeSkipped:
			suiteResult.SkippedScenarios++
		case OutcomeError:
			suiteResult.ErrorScenarios++
		}
	}

	suiteResult.EndTime = time.Now()
	suiteResult.Duration = suiteResult.EndTime.Sub(suiteResult.StartTime)
	r.reporter.ReportSuiteResult(*suiteResult)
	return suiteResult, nil
}

func (r *suiteRunner) runSequential(ctx context.Context, config Config, scenarios []Scenario) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	aborted := false
	for _, scenario := range scenarios {
		if aborted || ctx.Err() != nil {
			results = append(results, skippedScenario(scenario))
			continue
		}
		res := r.runScenario(ctx, config, scenario, "")
		results = append(results, res)
		if config.FailFast && !res.Passed() && res.Outcome != OutcomeSkipped {
			aborted = true
		}
	}
	return results
}

func (r *suiteRunner) runParallel(ctx context.Context, config Config, scenarios []Scenario) []ScenarioResult {
	r.reporter.SetParallelMode(true)
	defer r.reporter.SetParallelMode(false)

	results := make([]ScenarioResult, len(scenarios))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(config.Parallel)

	for i, scenario := range scenarios {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				mu.Lock()
				results[i] = skippedScenario(scenario)
				mu.Unlock()
				return nil
			}
			res := r.runScenario(groupCtx, config, scenario, scenario.Name)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if config.FailFast && !res.Passed() && res.Outcome != OutcomeSkipped {
				return fmt.Errorf("scenario %s failed", scenario.Name)
			}
			return nil
		})
	}
	// The only errors are fail-fast triggers; the results slice already
	// has everything.
	_ = group.Wait()

	for i, scenario := range scenarios {
		if results[i].Outcome == "" {
			results[i] = skippedScenario(scenario)
		}
	}
	return results
}

// runScenario runs one scenario through its three phases. Whatever
// happens in setup or test, cleanup executes exactly once, followed by
// the guaranteed teardown of every still-tracked resource.
func (r *suiteRunner) runScenario(ctx context.Context, config Config, scenario Scenario, logPrefix string) ScenarioResult {
	result := ScenarioResult{
		Scenario:  scenario,
		StartTime: time.Now(),
	}
	finish := func() ScenarioResult {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		r.reporter.ReportScenarioResult(result)
		return result
	}

	r.reporter.ReportScenarioStart(scenario)

	if scenario.Skip {
		result.Outcome = OutcomeSkipped
		return finish()
	}

	var logger Logger
	if logPrefix != "" {
		logger = NewPrefixedLogger(config.Verbose, config.Debug, logPrefix)
	} else {
		logger = NewStdoutLogger(config.Verbose, config.Debug)
	}

	workDir, err := os.MkdirTemp(config.WorkDir, "imagetest-"+scenario.Name+"-")
	if err != nil {
		result.Outcome = OutcomeError
		result.Error = fmt.Sprintf("failed to create working directory: %v", err)
		return finish()
	}

	sc := NewScenarioContext(scenario, workDir, logger)
	sc.Compose = compose.NewClient(config.ComposeURL)
	if err := attachDriver(sc); err != nil {
		result.Outcome = OutcomeError
		result.Error = err.Error()
		_ = os.RemoveAll(workDir)
		return finish()
	}

	timeout := scenario.Timeout
	if timeout <= 0 {
		timeout = config.Timeout
	}
	scenarioCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		scenarioCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pr := newPhaseRunner(sc, r.reporter.ReportStepResult)

	// A panicking step action must not unwind past cleanup: recover it
	// into an error outcome so the teardown below always runs.
	phaseErr := runRecovered(func() {
		setup := pr.run(scenarioCtx, PhaseSetup, scenario.Setup, ModeFailFast)
		result.PhaseResults = append(result.PhaseResults, setup)

		if setup.Outcome == OutcomePassed {
			test := pr.run(scenarioCtx, PhaseTest, scenario.Test, ModeFailFast)
			result.PhaseResults = append(result.PhaseResults, test)
		} else {
			result.PhaseResults = append(result.PhaseResults, skippedPhase(PhaseTest, scenario.Test))
		}
	})

	// Cleanup gets a context detached from the scenario bound: a timed
	// out test must still tear its resources down.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), cleanupGrace)
	cleanupErr := runRecovered(func() {
		cleanup := pr.run(cleanupCtx, PhaseCleanup, scenario.Cleanup, ModeAlwaysRun)
		result.PhaseResults = append(result.PhaseResults, cleanup)
	})

	r.guaranteedTeardown(cleanupCtx, sc)
	cancelCleanup()

	result.Leaks = sc.Tracker.List()
	for _, leak := range result.Leaks {
		logger.Error("leaked resource: %s\n", leak)
	}

	sc.Close()
	if config.KeepWorkDir {
		logger.Info("keeping working directory %s\n", workDir)
	} else {
		_ = os.RemoveAll(workDir)
	}

	result.Outcome = OutcomePassed
	for _, phase := range result.PhaseResults {
		if phase.Outcome == OutcomeFailed {
			result.Outcome = OutcomeFailed
			if result.Error == "" && len(phase.Errors) > 0 {
				result.Error = fmt.Sprintf("%s phase: %s", phase.Phase, phase.Errors[0])
			}
		}
	}
	if phaseErr != nil || cleanupErr != nil {
		result.Outcome = OutcomeError
		if phaseErr != nil {
			result.Error = phaseErr.Error()
		} else {
			result.Error = cleanupErr.Error()
		}
	}
	return finish()
}

// runRecovered converts a panic inside fn into an error so the caller
// can keep going.
func runRecovered(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	fn()
	return nil
}

// guaranteedTeardown is the harness's own safety net behind the
// scenario's cleanup steps: whatever is still tracked gets a deletion
// attempt, and the compose job is removed from the build engine. It
// never fails the scenario by itself; anything it cannot delete stays
// in the tracker and surfaces as a leak.
func (r *suiteRunner) guaranteedTeardown(ctx context.Context, sc *ScenarioContext) {
	if sc.Driver != nil && sc.Tracker.Len() > 0 {
		resources := sc.Tracker.Drain()
		sc.Logger.Info("tearing down %d remaining resources\n", len(resources))
		failures := sc.Driver.Teardown(ctx, resources)
		if len(failures) > 0 {
			leaked := make([]cloud.Resource, 0, len(failures))
			for _, f := range failures {
				sc.Logger.Error("teardown of %s failed: %v\n", f.Resource, f.Err)
				leaked = append(leaked, f.Resource)
			}
			sc.Tracker.Restore(leaked)
		}
	}

	if sc.Job != nil {
		if !sc.Job.Status.Terminal() {
			if err := sc.Compose.Cancel(ctx, sc.Job); err != nil {
				sc.Logger.Debug("failed to cancel compose %s: %v\n", sc.Job.ID, err)
			}
		}
		if err := sc.Compose.Delete(ctx, sc.Job); err != nil {
			sc.Logger.Debug("failed to delete compose %s: %v\n", sc.Job.ID, err)
		}
		sc.Job = nil
	}
}

func skippedScenario(scenario Scenario) ScenarioResult {
	now := time.Now()
	return ScenarioResult{
		Scenario:  scenario,
		Outcome:   OutcomeSkipped,
		StartTime: now,
		EndTime:   now,
	}
}

func skippedPhase(name PhaseName, steps []Step) PhaseResult {
	result := PhaseResult{
		Phase:      name,
		Outcome:    OutcomeSkipped,
		FailedStep: -1,
	}
	for _, step := range steps {
		result.StepResults = append(result.StepResults, skippedStep(step))
	}
	return result
}
