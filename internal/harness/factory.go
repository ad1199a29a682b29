package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"imagetest/internal/cloud"
	"imagetest/internal/config"
)

// DefaultConfig returns the suite configuration defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    60 * time.Minute,
		Parallel:   1,
		ConfigPath: DefaultScenarioPath(),
		ComposeURL: config.ComposeURL(),
	}
}

// ValidateConfig rejects configurations the runner cannot execute.
func ValidateConfig(cfg Config) error {
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", cfg.Timeout)
	}
	if cfg.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", cfg.Parallel)
	}
	if cfg.Cloud != "" {
		if _, err := cloud.ParseVariant(cfg.Cloud); err != nil {
			return err
		}
	}
	if cfg.ConfigPath == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if cfg.ComposeURL == "" {
		return fmt.Errorf("compose URL cannot be empty")
	}
	return nil
}

// attachDriver wires the scenario's cloud driver into the context. The
// driver runs provider CLIs through the scenario's local executor with
// exactly the credential environment of its variant. Package variable
// so suite tests can substitute a scripted driver.
var attachDriver = defaultAttachDriver

func defaultAttachDriver(sc *ScenarioContext) error {
	variant, err := cloud.ParseVariant(sc.Scenario.Cloud)
	if err != nil {
		return err
	}
	if variant == cloud.VariantNone {
		return nil
	}

	env := config.CredentialEnv(variant)
	switch variant {
	case cloud.VariantAWS:
		sc.Driver = cloud.NewAWS(sc.Local, env, cloud.AWSSettings{
			Region: os.Getenv("AWS_REGION"),
			Bucket: os.Getenv("AWS_BUCKET"),
		}, sc.Tracker)
	case cloud.VariantAzure:
		sc.Driver = cloud.NewAzure(sc.Local, env, cloud.AzureSettings{
			ResourceGroup:    os.Getenv("AZURE_RESOURCE_GROUP"),
			StorageAccount:   os.Getenv("AZURE_STORAGE_ACCOUNT"),
			StorageContainer: os.Getenv("AZURE_STORAGE_CONTAINER"),
			Location:         os.Getenv("AZURE_LOCATION"),
		}, sc.Tracker)
	case cloud.VariantOpenStack:
		sc.Driver = cloud.NewOpenStack(sc.Local, env, cloud.OpenStackSettings{
			Flavor:  os.Getenv("OS_FLAVOR"),
			Network: os.Getenv("OS_NETWORK"),
		}, sc.Tracker)
	}
	return nil
}

// Framework bundles loader, runner, and reporter behind one entry
// point for the CLI.
type Framework struct {
	config   Config
	loader   Loader
	runner   Runner
	reporter Reporter
}

// NewFramework assembles the suite machinery for the given
// configuration.
func NewFramework(cfg Config) (*Framework, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	logger := NewStdoutLogger(cfg.Verbose, cfg.Debug)
	reporter := NewStdoutReporter(cfg.Verbose, cfg.Debug)
	return &Framework{
		config:   cfg,
		loader:   NewLoader(logger),
		runner:   NewRunner(reporter),
		reporter: reporter,
	}, nil
}

// Load returns the filtered scenario set for this configuration.
func (f *Framework) Load() ([]Scenario, error) {
	scenarios, err := f.loader.LoadScenarios(f.config.ConfigPath)
	if err != nil {
		return nil, err
	}
	return f.loader.FilterScenarios(scenarios, f.config), nil
}

// Run loads the scenarios and executes the suite.
func (f *Framework) Run(ctx context.Context) (*SuiteResult, error) {
	scenarios, err := f.Load()
	if err != nil {
		return nil, err
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios matched the given filters")
	}

	result, err := f.runner.Run(ctx, f.config, scenarios)
	if err != nil {
		return nil, err
	}

	if f.config.ReportPath != "" {
		if err := WriteReport(f.config.ReportPath, result); err != nil {
			return result, fmt.Errorf("failed to write report: %w", err)
		}
	}
	return result, nil
}
