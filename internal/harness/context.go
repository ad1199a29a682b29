package harness

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"imagetest/internal/cloud"
	"imagetest/internal/compose"
	"imagetest/internal/executor"
	"imagetest/internal/template"
)

// Well-known context variable names set by the built-in actions. Steps
// can reference them as {{ name }} in their arguments.
const (
	VarComposeID       = "compose_id"
	VarArtifactPath    = "artifact_path"
	VarImageRef        = "image_ref"
	VarImageID         = "image_id"
	VarInstanceID      = "instance_id"
	VarInstanceAddress = "instance_address"
	VarSSHPublicKey    = "ssh_public_key"
	VarSSHKeyPath      = "ssh_key_path"
	VarNamespace       = "namespace"
)

// ScenarioContext carries all per-scenario state through the phases:
// stored step results, the compose job, the resource tracker, and the
// scenario's scoped working directory and key material. It replaces the
// ambient shell globals of classic test scripts with an explicit object
// passed to every step.
type ScenarioContext struct {
	// Scenario is the immutable definition being executed.
	Scenario Scenario
	// Namespace is the unique per-run suffix used for every cloud
	// resource name, so parallel runs cannot collide.
	Namespace string
	// WorkDir is the scenario's private scratch directory, removed when
	// the scenario ends unless the run keeps it for debugging.
	WorkDir string

	// Compose is the build engine client.
	Compose *compose.Client
	// Driver is the cloud deployment driver; nil for cloud "none".
	Driver cloud.Driver
	// Tracker records every cloud resource the scenario creates.
	Tracker *cloud.Tracker
	// Local runs commands on the local host.
	Local executor.Executor

	// Job is the scenario's compose job once submitted.
	Job *compose.Job

	Logger Logger

	mu      sync.RWMutex
	stored  map[string]interface{}
	remotes map[string]executor.Executor
	engine  *template.Engine
}

// NewScenarioContext creates the execution context for one scenario run.
func NewScenarioContext(scenario Scenario, workDir string, logger Logger) *ScenarioContext {
	if logger == nil {
		logger = NewSilentLogger()
	}
	namespace := fmt.Sprintf("%s-%s", scenario.Name, uuid.NewString()[:8])
	ctx := &ScenarioContext{
		Scenario:  scenario,
		Namespace: namespace,
		WorkDir:   workDir,
		Tracker:   cloud.NewTracker(),
		Local:     executor.NewLocal(),
		Logger:    logger,
		stored:    make(map[string]interface{}),
		remotes:   make(map[string]executor.Executor),
		engine:    template.New(),
	}
	ctx.Store(VarNamespace, namespace)
	return ctx
}

// Store saves a value under the given variable name for later steps.
func (sc *ScenarioContext) Store(name string, value interface{}) {
	sc.mu.Lock()
	sc.stored[name] = value
	sc.mu.Unlock()
	sc.Logger.Debug("stored %s = %v\n", name, value)
}

// Lookup retrieves a stored value.
func (sc *ScenarioContext) Lookup(name string) (interface{}, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	v, ok := sc.stored[name]
	return v, ok
}

// LookupString retrieves a stored value as a string.
func (sc *ScenarioContext) LookupString(name string) (string, bool) {
	v, ok := sc.Lookup(name)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Snapshot returns a copy of all stored values for template resolution.
func (sc *ScenarioContext) Snapshot() map[string]interface{} {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	out := make(map[string]interface{}, len(sc.stored))
	for k, v := range sc.stored {
		out[k] = v
	}
	return out
}

// ResolveArgs resolves {{ name }} references in step args against the
// stored results.
func (sc *ScenarioContext) ResolveArgs(args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	resolved, err := sc.engine.Replace(args, sc.Snapshot())
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("argument resolution returned unexpected type %T", resolved)
	}
	return m, nil
}

// RemoteExecutor returns a pooled SSH executor for the given host,
// authenticated with the scenario's generated key. Executors are cached
// per host so a scenario reuses one connection.
func (sc *ScenarioContext) RemoteExecutor(host, user string) (executor.Executor, error) {
	key := user + "@" + host
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if e, ok := sc.remotes[key]; ok {
		return e, nil
	}

	keyPath, ok := sc.stored[VarSSHKeyPath].(string)
	if !ok {
		return nil, fmt.Errorf("no SSH key material; run a keys.generate step first")
	}
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario key: %w", err)
	}

	e, err := executor.NewSSH(executor.SSHConfig{
		Host:          host,
		User:          user,
		PrivateKeyPEM: pem,
	})
	if err != nil {
		return nil, err
	}
	sc.remotes[key] = e
	return e, nil
}

// Close releases every pooled remote connection.
func (sc *ScenarioContext) Close() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for key, e := range sc.remotes {
		if err := e.Close(); err != nil {
			sc.Logger.Debug("failed to close executor %s: %v\n", key, err)
		}
	}
	sc.remotes = make(map[string]executor.Executor)
}
