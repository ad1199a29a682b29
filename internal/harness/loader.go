package harness

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"imagetest/internal/cloud"
)

// scenarioLoader implements the Loader interface.
type scenarioLoader struct {
	logger Logger
}

// NewLoader creates a scenario loader.
func NewLoader(logger Logger) Loader {
	if logger == nil {
		logger = NewSilentLogger()
	}
	return &scenarioLoader{logger: logger}
}

// LoadScenarios loads scenario definitions from a file or directory.
func (l *scenarioLoader) LoadScenarios(configPath string) ([]Scenario, error) {
	info, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("scenario path %s: %w", configPath, err)
	}

	var scenarios []Scenario
	if info.IsDir() {
		scenarios, err = l.loadFromDirectory(configPath)
	} else {
		var scenario Scenario
		scenario, err = l.loadFromFile(configPath)
		scenarios = []Scenario{scenario}
	}
	if err != nil {
		return nil, err
	}

	if err := checkUniqueNames(scenarios); err != nil {
		return nil, err
	}

	l.logger.Debug("loaded %d scenarios from %s\n", len(scenarios), configPath)
	return scenarios, nil
}

func (l *scenarioLoader) loadFromDirectory(dirPath string) ([]Scenario, error) {
	var scenarios []Scenario

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAMLFile(path) {
			return nil
		}

		scenario, err := l.loadFromFile(path)
		if err != nil {
			return err
		}
		scenarios = append(scenarios, scenario)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk scenario directory %s: %w", dirPath, err)
	}
	return scenarios, nil
}

func (l *scenarioLoader) loadFromFile(filePath string) (Scenario, error) {
	var scenario Scenario

	content, err := os.ReadFile(filePath)
	if err != nil {
		return scenario, fmt.Errorf("failed to read %s: %w", filePath, err)
	}
	if err := yaml.Unmarshal(content, &scenario); err != nil {
		return scenario, fmt.Errorf("failed to parse YAML in %s: %w", filePath, err)
	}
	if err := ValidateScenario(scenario); err != nil {
		return scenario, fmt.Errorf("invalid scenario in %s: %w", filePath, err)
	}
	return scenario, nil
}

// ValidateScenario checks the structural requirements of one scenario.
func ValidateScenario(scenario Scenario) error {
	if scenario.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if _, err := cloud.ParseVariant(scenario.Cloud); err != nil {
		return err
	}
	if len(scenario.Test) == 0 {
		return fmt.Errorf("scenario must have at least one test step")
	}

	for _, phase := range []struct {
		name  PhaseName
		steps []Step
	}{
		{PhaseSetup, scenario.Setup},
		{PhaseTest, scenario.Test},
		{PhaseCleanup, scenario.Cleanup},
	} {
		seen := map[string]bool{}
		for i, step := range phase.steps {
			if err := validateStep(step); err != nil {
				return fmt.Errorf("%s step %d: %w", phase.name, i+1, err)
			}
			if seen[step.ID] {
				return fmt.Errorf("%s step %d: duplicate step id %q", phase.name, i+1, step.ID)
			}
			seen[step.ID] = true
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.ID == "" {
		return fmt.Errorf("step id is required")
	}
	if step.Action == "" {
		return fmt.Errorf("step action is required")
	}
	if !KnownAction(step.Action) {
		return fmt.Errorf("unknown action %q", step.Action)
	}
	if step.Retry != nil {
		if step.Retry.Count < 0 {
			return fmt.Errorf("retry count cannot be negative")
		}
		if step.Retry.Delay < 0 {
			return fmt.Errorf("retry delay cannot be negative")
		}
		if step.Retry.BackoffMultiplier < 0 {
			return fmt.Errorf("backoff multiplier cannot be negative")
		}
	}
	return nil
}

func checkUniqueNames(scenarios []Scenario) error {
	seen := map[string]bool{}
	for _, s := range scenarios {
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// FilterScenarios filters scenarios based on the configuration.
func (l *scenarioLoader) FilterScenarios(scenarios []Scenario, config Config) []Scenario {
	var filtered []Scenario
	for _, scenario := range scenarios {
		if config.Cloud != "" && !sameCloud(scenario.Cloud, config.Cloud) {
			continue
		}
		if config.Scenario != "" && scenario.Name != config.Scenario {
			continue
		}
		if config.Tag != "" && !slices.Contains(scenario.Tags, config.Tag) {
			continue
		}
		filtered = append(filtered, scenario)
	}

	l.logger.Debug("filtered %d of %d scenarios\n", len(filtered), len(scenarios))
	return filtered
}

// sameCloud compares cloud names through the variant parser, so an
// omitted cloud field matches "none".
func sameCloud(a, b string) bool {
	va, errA := cloud.ParseVariant(a)
	vb, errB := cloud.ParseVariant(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va == vb
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// DefaultScenarioPath is where shipped scenario definitions live.
func DefaultScenarioPath() string {
	return "scenarios"
}
