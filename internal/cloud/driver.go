// Package cloud deploys built disk images to a target cloud and tears
// them down again.
//
// Each provider variant implements the same capability set: upload the
// artifact, register it as a bootable image, launch an instance from
// it, wait until the instance is reachable, and delete everything that
// was created. Drivers shell out to the provider CLI through an
// executor.Executor and parse its JSON output; credentials reach the
// CLI only through the explicit environment the driver was built with.
//
// Provider APIs are eventually consistent. Registering an image right
// after the upload can race, so drivers poll for existence before
// moving on instead of assuming immediate visibility.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"imagetest/internal/executor"
	"imagetest/pkg/errkind"
)

// Variant enumerates the supported deployment targets.
type Variant string

const (
	// VariantNone disables deployment; the scenario stops at the artifact.
	VariantNone Variant = "none"
	VariantAWS  Variant = "aws"
	// VariantAzure deploys through the az CLI.
	VariantAzure Variant = "azure"
	// VariantOpenStack deploys through the openstack CLI.
	VariantOpenStack Variant = "openstack"
)

// ParseVariant validates a scenario's cloud field.
func ParseVariant(s string) (Variant, error) {
	switch Variant(s) {
	case VariantNone, VariantAWS, VariantAzure, VariantOpenStack:
		return Variant(s), nil
	case "":
		return VariantNone, nil
	default:
		return "", fmt.Errorf("unknown cloud variant %q", s)
	}
}

// ResourceKind classifies cloud-side objects created during a scenario.
type ResourceKind string

const (
	KindInstance ResourceKind = "instance"
	KindImage    ResourceKind = "image"
	KindSnapshot ResourceKind = "snapshot"
	KindBlob     ResourceKind = "blob"
	KindObject   ResourceKind = "object"
	KindKeyPair  ResourceKind = "keypair"
)

// Resource is one cloud-side object created during a scenario. The
// scenario that created it is solely responsible for destroying it.
type Resource struct {
	Kind      ResourceKind
	ID        string
	CreatedAt time.Time
}

func (r Resource) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// ImageMetadata names and tags a registered image.
type ImageMetadata struct {
	Name        string
	Description string
	Tags        map[string]string
}

// TeardownFailure records one resource that could not be deleted.
type TeardownFailure struct {
	Resource Resource
	Err      error
}

// Driver is the per-provider capability set.
type Driver interface {
	// Variant identifies the provider.
	Variant() Variant
	// UploadImage copies the artifact to provider storage and returns the
	// remote reference. Transport errors surface as errkind.UploadFailed;
	// the driver does not retry them silently, since upload failures
	// often indicate quota or auth problems a retry cannot fix.
	UploadImage(ctx context.Context, artifactPath, target string) (string, error)
	// RegisterImage turns an uploaded artifact into a launchable image
	// and returns the provider image identifier.
	RegisterImage(ctx context.Context, reference string, meta ImageMetadata) (string, error)
	// LaunchInstance starts an instance from the image. It returns once
	// the provider acknowledges creation; readiness is WaitForReady's job.
	LaunchInstance(ctx context.Context, imageID, sshPublicKey, sizeHint string) (string, error)
	// WaitForReady polls until the instance is running and reachable, or
	// maxWait elapses (errkind.InstanceNotReady). It returns the assigned
	// network address.
	WaitForReady(ctx context.Context, instanceID string, maxWait time.Duration) (string, error)
	// Teardown deletes every given resource, best effort. It attempts all
	// of them even when earlier deletions fail and returns the complete
	// failure list; an operator needs every leaked resource, not the first.
	Teardown(ctx context.Context, resources []Resource) []TeardownFailure
}

// cliRunner wraps an executor for provider CLI invocations with a fixed
// environment and per-command timeout.
type cliRunner struct {
	exec    executor.Executor
	env     map[string]string
	timeout time.Duration
}

func newCLIRunner(exec executor.Executor, env map[string]string, timeout time.Duration) *cliRunner {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &cliRunner{exec: exec, env: env, timeout: timeout}
}

// run executes the CLI and fails on a non-zero exit, including stderr in
// the error so CI logs show what the provider said.
func (r *cliRunner) run(ctx context.Context, argv ...string) (executor.Result, error) {
	res, err := r.exec.Execute(ctx, executor.Spec{
		Argv:    argv,
		Env:     r.env,
		Timeout: r.timeout,
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("%s exited %d: %s", argv[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res, nil
}

// runJSON executes the CLI and decodes its stdout into out. Structured
// parsing only; no substring scraping of CLI output.
func (r *cliRunner) runJSON(ctx context.Context, out interface{}, argv ...string) error {
	res, err := r.run(ctx, argv...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("failed to parse %s output: %w", argv[0], err)
	}
	return nil
}

// pollUntil polls fn at a capped exponential interval until it reports
// done, the context ends, or maxWait elapses. The returned error for the
// deadline case carries the given kind.
func pollUntil(ctx context.Context, kind errkind.Kind, what string, initial, maxWait time.Duration, fn func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(maxWait)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 60 * time.Second
	bo.Reset()

	for {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		wait := bo.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			return errkind.New(kind, "%s not ready after %v", what, maxWait)
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return errkind.Wrap(kind, ctx.Err(), "%s wait interrupted", what)
		}
	}
}
