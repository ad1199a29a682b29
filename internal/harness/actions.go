package harness

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"imagetest/internal/cloud"
	"imagetest/internal/compose"
	"imagetest/internal/config"
	"imagetest/internal/executor"
	"imagetest/internal/template"
	"imagetest/pkg/errkind"
)

// ActionResult is what an action hands back to the phase runner: the
// textual output expectations are matched against, and the exit code
// when the action ran a command.
type ActionResult struct {
	Output string
	// ExitCode is set only by command-running actions.
	ExitCode *int
	// Value is stored under the step's store name when set; otherwise
	// Output is stored.
	Value interface{}
}

// ActionFunc executes one step action against the scenario context.
type ActionFunc func(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error)

// actions is the registry of built-in step actions. The names are part
// of the scenario file format.
var actions = map[string]ActionFunc{
	"shell":            actionShell,
	"env.require":      actionEnvRequire,
	"keys.generate":    actionKeysGenerate,
	"template.render":  actionTemplateRender,
	"compose.start":    actionComposeStart,
	"compose.wait":     actionComposeWait,
	"compose.artifact": actionComposeArtifact,
	"compose.cancel":   actionComposeCancel,
	"compose.delete":   actionComposeDelete,
	"cloud.upload":     actionCloudUpload,
	"cloud.register":   actionCloudRegister,
	"cloud.launch":     actionCloudLaunch,
	"cloud.wait-ready": actionCloudWaitReady,
	"cloud.teardown":   actionCloudTeardown,
	"verify.ssh":       actionVerifySSH,
}

// KnownAction reports whether name is a registered action.
func KnownAction(name string) bool {
	_, ok := actions[name]
	return ok
}

// ActionNames lists every registered action, for the CLI.
func ActionNames() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	return names
}

// runAction dispatches a step's action with its resolved arguments.
func runAction(ctx context.Context, sc *ScenarioContext, step Step) (*ActionResult, error) {
	fn, ok := actions[step.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", step.Action)
	}
	args, err := sc.ResolveArgs(step.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve arguments for step %s: %w", step.ID, err)
	}
	return fn(ctx, sc, args)
}

// --- argument helpers -------------------------------------------------

func argString(args map[string]interface{}, key, fallback string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return fallback
}

func argRequired(args map[string]interface{}, key string) (string, error) {
	s := argString(args, key, "")
	if s == "" {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	return s, nil
}

func argDuration(args map[string]interface{}, key string, fallback time.Duration) (time.Duration, error) {
	v, ok := args[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("argument %q must be a duration string", key)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %q: %w", key, err)
	}
	return d, nil
}

func argStringSlice(args map[string]interface{}, key string) []string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case string:
		return []string{t}
	}
	return nil
}

func argStringMap(args map[string]interface{}, key string) map[string]string {
	v, ok := args[key]
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = fmt.Sprintf("%v", val)
	}
	return out
}

// requireDriver guards the cloud.* actions on scenarios without a
// deployment target.
func requireDriver(sc *ScenarioContext) (cloud.Driver, error) {
	if sc.Driver == nil {
		return nil, fmt.Errorf("scenario %q has no cloud target; cloud actions require one", sc.Scenario.Name)
	}
	return sc.Driver, nil
}

func requireJob(sc *ScenarioContext) (*compose.Job, error) {
	if sc.Job == nil {
		return nil, fmt.Errorf("no compose submitted; run compose.start first")
	}
	return sc.Job, nil
}

// --- actions ----------------------------------------------------------

// actionShell runs a command locally or on a remote target. Non-zero
// exit is not an error here; the expectation decides what counts as a
// failure.
func actionShell(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	argv := argStringSlice(args, "argv")
	if command := argString(args, "command", ""); command != "" {
		if len(argv) > 0 {
			return nil, fmt.Errorf("give either command or argv, not both")
		}
		argv = []string{"/bin/sh", "-c", command}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("missing required argument %q", "command")
	}

	timeout, err := argDuration(args, "timeout", 0)
	if err != nil {
		return nil, err
	}

	// The child sees only the scenario's named credential variables plus
	// whatever the step adds, never the whole ambient environment.
	variant, err := cloud.ParseVariant(sc.Scenario.Cloud)
	if err != nil {
		return nil, err
	}
	env := config.CredentialEnv(variant)
	for k, v := range argStringMap(args, "env") {
		env[k] = v
	}

	exec := sc.Local
	if host := argString(args, "host", ""); host != "" {
		exec, err = sc.RemoteExecutor(host, argString(args, "user", "root"))
		if err != nil {
			return nil, err
		}
	}

	res, err := exec.Execute(ctx, executor.Spec{
		Argv:    argv,
		Env:     env,
		Dir:     argString(args, "dir", ""),
		Stdin:   argString(args, "stdin", ""),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	code := res.ExitCode
	return &ActionResult{
		Output:   res.Stdout + res.Stderr,
		ExitCode: &code,
		Value:    strings.TrimSpace(res.Stdout),
	}, nil
}

// actionEnvRequire fails the step when a required environment variable
// is absent. With no explicit vars it checks the scenario's cloud
// credential set.
func actionEnvRequire(_ context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	vars := argStringSlice(args, "vars")
	if len(vars) == 0 {
		variant, err := cloud.ParseVariant(sc.Scenario.Cloud)
		if err != nil {
			return nil, err
		}
		vars = config.RequiredVars[variant]
	}
	if err := config.Require(vars...); err != nil {
		return nil, err
	}
	return &ActionResult{Output: fmt.Sprintf("%d variables present", len(vars))}, nil
}

// actionKeysGenerate creates the scenario's throwaway SSH keypair in
// the working directory and stores both halves for later steps.
func actionKeysGenerate(_ context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to encode private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	keyPath := filepath.Join(sc.WorkDir, "id_"+sc.Namespace)
	if err := os.WriteFile(keyPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", []byte(authorized+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write public key: %w", err)
	}

	sc.Store(VarSSHKeyPath, keyPath)
	sc.Store(VarSSHPublicKey, authorized)
	return &ActionResult{Output: keyPath, Value: keyPath}, nil
}

// actionTemplateRender renders a file template into the working
// directory, with the stored results available as template data.
func actionTemplateRender(_ context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	src, err := argRequired(args, "template")
	if err != nil {
		return nil, err
	}
	dest := argString(args, "dest", "")
	if dest == "" {
		dest = filepath.Join(sc.WorkDir, strings.TrimSuffix(filepath.Base(src), ".tmpl"))
	} else if !filepath.IsAbs(dest) {
		dest = filepath.Join(sc.WorkDir, dest)
	}

	values := sc.Snapshot()
	if extra, ok := args["values"].(map[string]interface{}); ok {
		for k, v := range extra {
			values[k] = v
		}
	}

	if err := template.RenderFile(src, dest, values); err != nil {
		return nil, err
	}
	return &ActionResult{Output: dest, Value: dest}, nil
}

// actionComposeStart submits a build to the compose engine.
func actionComposeStart(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	blueprint, err := argRequired(args, "blueprint")
	if err != nil {
		return nil, err
	}
	outputType, err := argRequired(args, "output_type")
	if err != nil {
		return nil, err
	}

	job, err := sc.Compose.Submit(ctx, blueprint, outputType)
	if err != nil {
		return nil, err
	}
	sc.Job = job
	sc.Store(VarComposeID, job.ID)
	sc.Logger.Info("compose %s started (%s, %s)\n", job.ID, blueprint, outputType)
	return &ActionResult{Output: job.ID, Value: job.ID}, nil
}

// actionComposeWait blocks until the submitted compose reaches a
// terminal state. A FAILED build fails the step.
func actionComposeWait(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	job, err := requireJob(sc)
	if err != nil {
		return nil, err
	}
	pollInterval, err := argDuration(args, "poll_interval", 10*time.Second)
	if err != nil {
		return nil, err
	}
	maxWait, err := argDuration(args, "max_wait", 30*time.Minute)
	if err != nil {
		return nil, err
	}

	status, err := sc.Compose.WaitUntilTerminal(ctx, job, pollInterval, maxWait)
	if err != nil {
		return nil, err
	}
	if status == compose.StatusFailed {
		return nil, fmt.Errorf("compose %s failed", job.ID)
	}
	sc.Logger.Info("compose %s finished\n", job.ID)
	return &ActionResult{Output: string(status), Value: string(status)}, nil
}

// actionComposeArtifact downloads the built image into the working
// directory and stores its path.
func actionComposeArtifact(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	job, err := requireJob(sc)
	if err != nil {
		return nil, err
	}
	dest := argString(args, "dest", sc.WorkDir)

	path, err := sc.Compose.FetchArtifact(ctx, job, dest)
	if err != nil {
		return nil, err
	}
	sc.Store(VarArtifactPath, path)
	sc.Logger.Info("artifact fetched to %s\n", path)
	return &ActionResult{Output: path, Value: path}, nil
}

func actionComposeCancel(ctx context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
	job, err := requireJob(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Compose.Cancel(ctx, job); err != nil {
		return nil, err
	}
	return &ActionResult{Output: "cancelled " + job.ID}, nil
}

func actionComposeDelete(ctx context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
	job, err := requireJob(sc)
	if err != nil {
		return nil, err
	}
	if err := sc.Compose.Delete(ctx, job); err != nil {
		return nil, err
	}
	sc.Job = nil
	return &ActionResult{Output: "deleted " + job.ID}, nil
}

// actionCloudUpload pushes the artifact to provider storage.
func actionCloudUpload(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	driver, err := requireDriver(sc)
	if err != nil {
		return nil, err
	}
	artifact := argString(args, "artifact", "")
	if artifact == "" {
		stored, ok := sc.LookupString(VarArtifactPath)
		if !ok {
			return nil, fmt.Errorf("no artifact to upload; run compose.artifact first or pass artifact")
		}
		artifact = stored
	}
	target := argString(args, "target", sc.Namespace+filepath.Ext(artifact))

	ref, err := driver.UploadImage(ctx, artifact, target)
	if err != nil {
		return nil, err
	}
	sc.Store(VarImageRef, ref)
	sc.Logger.Info("uploaded %s as %s\n", filepath.Base(artifact), ref)
	return &ActionResult{Output: ref, Value: ref}, nil
}

// actionCloudRegister turns the uploaded artifact into a launchable
// image.
func actionCloudRegister(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	driver, err := requireDriver(sc)
	if err != nil {
		return nil, err
	}
	ref := argString(args, "reference", "")
	if ref == "" {
		stored, ok := sc.LookupString(VarImageRef)
		if !ok {
			return nil, fmt.Errorf("no uploaded image; run cloud.upload first or pass reference")
		}
		ref = stored
	}

	meta := cloud.ImageMetadata{
		Name:        argString(args, "name", sc.Namespace),
		Description: argString(args, "description", "image test "+sc.Scenario.Name),
		Tags:        argStringMap(args, "tags"),
	}

	imageID, err := driver.RegisterImage(ctx, ref, meta)
	if err != nil {
		return nil, err
	}
	sc.Store(VarImageID, imageID)
	sc.Logger.Info("registered image %s\n", imageID)
	return &ActionResult{Output: imageID, Value: imageID}, nil
}

// actionCloudLaunch boots an instance from the registered image using
// the scenario's generated public key.
func actionCloudLaunch(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	driver, err := requireDriver(sc)
	if err != nil {
		return nil, err
	}
	imageID := argString(args, "image", "")
	if imageID == "" {
		stored, ok := sc.LookupString(VarImageID)
		if !ok {
			return nil, fmt.Errorf("no registered image; run cloud.register first or pass image")
		}
		imageID = stored
	}
	publicKey, ok := sc.LookupString(VarSSHPublicKey)
	if !ok {
		return nil, fmt.Errorf("no SSH key material; run keys.generate before launching")
	}

	instanceID, err := driver.LaunchInstance(ctx, imageID, publicKey, argString(args, "size", ""))
	if err != nil {
		return nil, err
	}
	sc.Store(VarInstanceID, instanceID)
	sc.Logger.Info("launched instance %s\n", instanceID)
	return &ActionResult{Output: instanceID, Value: instanceID}, nil
}

// actionCloudWaitReady polls until the launched instance is reachable
// and stores its address.
func actionCloudWaitReady(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	driver, err := requireDriver(sc)
	if err != nil {
		return nil, err
	}
	instanceID, ok := sc.LookupString(VarInstanceID)
	if !ok {
		return nil, fmt.Errorf("no launched instance; run cloud.launch first")
	}
	maxWait, err := argDuration(args, "max_wait", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	address, err := driver.WaitForReady(ctx, instanceID, maxWait)
	if err != nil {
		return nil, err
	}
	sc.Store(VarInstanceAddress, address)
	sc.Logger.Info("instance %s ready at %s\n", instanceID, address)
	return &ActionResult{Output: address, Value: address}, nil
}

// actionCloudTeardown deletes every tracked cloud resource. Resources
// whose deletion fails go back into the tracker so the leak check after
// cleanup reports them.
func actionCloudTeardown(ctx context.Context, sc *ScenarioContext, _ map[string]interface{}) (*ActionResult, error) {
	driver, err := requireDriver(sc)
	if err != nil {
		return nil, err
	}
	resources := sc.Tracker.Drain()
	if len(resources) == 0 {
		return &ActionResult{Output: "nothing to tear down"}, nil
	}

	failures := driver.Teardown(ctx, resources)
	if len(failures) > 0 {
		leaked := make([]cloud.Resource, 0, len(failures))
		msgs := make([]string, 0, len(failures))
		for _, f := range failures {
			leaked = append(leaked, f.Resource)
			msgs = append(msgs, fmt.Sprintf("%s: %v", f.Resource, f.Err))
		}
		sc.Tracker.Restore(leaked)
		return nil, errkind.New(errkind.KindResourceLeak, "failed to delete %d of %d resources: %s",
			len(failures), len(resources), strings.Join(msgs, "; "))
	}
	return &ActionResult{Output: fmt.Sprintf("deleted %d resources", len(resources))}, nil
}

// actionVerifySSH runs a command on the deployed instance over SSH and
// surfaces its output for expectation matching.
func actionVerifySSH(ctx context.Context, sc *ScenarioContext, args map[string]interface{}) (*ActionResult, error) {
	host := argString(args, "host", "")
	if host == "" {
		stored, ok := sc.LookupString(VarInstanceAddress)
		if !ok {
			return nil, fmt.Errorf("no instance address; run cloud.wait-ready first or pass host")
		}
		host = stored
	}

	argv := argStringSlice(args, "argv")
	if command := argString(args, "command", ""); command != "" {
		argv = []string{"/bin/sh", "-c", command}
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("missing required argument %q", "command")
	}

	timeout, err := argDuration(args, "timeout", 2*time.Minute)
	if err != nil {
		return nil, err
	}

	remote, err := sc.RemoteExecutor(host, argString(args, "user", "root"))
	if err != nil {
		return nil, err
	}
	res, err := remote.Execute(ctx, executor.Spec{
		Argv:    argv,
		Env:     argStringMap(args, "env"),
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	code := res.ExitCode
	return &ActionResult{
		Output:   res.Stdout + res.Stderr,
		ExitCode: &code,
		Value:    strings.TrimSpace(res.Stdout),
	}, nil
}
