package cloud

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"imagetest/internal/executor"
	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// OpenStackSettings configures the OpenStack driver.
type OpenStackSettings struct {
	// Flavor is the default instance flavor when a scenario gives no
	// size hint.
	Flavor string
	// Network is the network to attach launched servers to.
	Network        string
	CommandTimeout time.Duration
}

// openStackDriver deploys through the openstack CLI with -f json.
// Authentication comes from the OS_* variables in the driver env.
type openStackDriver struct {
	cli      *cliRunner
	settings OpenStackSettings
	tracker  *Tracker
}

// NewOpenStack creates the OpenStack deployment driver.
func NewOpenStack(exec executor.Executor, env map[string]string, settings OpenStackSettings, tracker *Tracker) Driver {
	return &openStackDriver{
		cli:      newCLIRunner(exec, env, settings.CommandTimeout),
		settings: settings,
		tracker:  tracker,
	}
}

func (d *openStackDriver) Variant() Variant { return VariantOpenStack }

func (d *openStackDriver) os(args ...string) []string {
	return append(append([]string{"openstack"}, args...), "-f", "json")
}

type imageResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// UploadImage pushes the qcow2 straight into Glance; OpenStack has no
// separate staging storage, so upload and registration share the image
// object. The returned reference is the Glance image id.
func (d *openStackDriver) UploadImage(ctx context.Context, artifactPath, target string) (string, error) {
	name := target
	if name == "" {
		name = strings.TrimSuffix(artifactPath, ".qcow2")
	}
	if _, err := os.Stat(artifactPath); err != nil {
		return "", errkind.Wrap(errkind.KindUploadFailed, err, "artifact %s not readable", artifactPath)
	}

	var img imageResponse
	if err := d.cli.runJSON(ctx, &img, d.os("image", "create",
		"--disk-format", "qcow2",
		"--container-format", "bare",
		"--file", artifactPath,
		name)...); err != nil {
		return "", errkind.Wrap(errkind.KindUploadFailed, err, "upload of %s to glance", artifactPath)
	}
	d.tracker.Add(KindImage, img.ID)

	// Glance marks the image "queued" until the bits land; wait for
	// "active" before anything tries to boot it.
	err := pollUntil(ctx, errkind.KindUploadFailed, "image "+img.ID, 5*time.Second, 10*time.Minute,
		func(ctx context.Context) (bool, error) {
			var show imageResponse
			if err := d.cli.runJSON(ctx, &show, d.os("image", "show", img.ID)...); err != nil {
				return false, err
			}
			switch show.Status {
			case "active":
				return true, nil
			case "killed", "deleted":
				return false, fmt.Errorf("image %s entered %s during upload", img.ID, show.Status)
			default:
				return false, nil
			}
		})
	if err != nil {
		return "", err
	}

	logging.Info("Cloud", "uploaded %s as glance image %s", artifactPath, img.ID)
	return img.ID, nil
}

// RegisterImage is a rename on OpenStack: the Glance object created by
// UploadImage is already launchable, so this sets the final name and
// returns the same id.
func (d *openStackDriver) RegisterImage(ctx context.Context, reference string, meta ImageMetadata) (string, error) {
	if _, err := d.cli.run(ctx, append([]string{"openstack", "image", "set", "--name", meta.Name}, reference)...); err != nil {
		return "", fmt.Errorf("failed to name image %s: %w", reference, err)
	}
	return reference, nil
}

type serverResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Addresses any    `json:"addresses"`
}

// LaunchInstance creates a key pair and boots a server from the image.
func (d *openStackDriver) LaunchInstance(ctx context.Context, imageID, sshPublicKey, sizeHint string) (string, error) {
	if sizeHint == "" {
		sizeHint = d.settings.Flavor
	}
	keyName := imageID + "-key"

	keyFile, err := writeTempKey(sshPublicKey)
	if err != nil {
		return "", err
	}
	defer os.Remove(keyFile)

	if _, err := d.cli.run(ctx, d.os("keypair", "create", "--public-key", keyFile, keyName)...); err != nil {
		return "", fmt.Errorf("failed to create keypair %s: %w", keyName, err)
	}
	d.tracker.Add(KindKeyPair, keyName)

	args := []string{"server", "create",
		"--image", imageID,
		"--flavor", sizeHint,
		"--key-name", keyName,
	}
	if d.settings.Network != "" {
		args = append(args, "--network", d.settings.Network)
	}
	args = append(args, imageID+"-vm")

	var srv serverResponse
	if err := d.cli.runJSON(ctx, &srv, d.os(args...)...); err != nil {
		return "", fmt.Errorf("failed to launch server from %s: %w", imageID, err)
	}

	d.tracker.Add(KindInstance, srv.ID)
	logging.Info("Cloud", "launched server %s from %s", srv.ID, imageID)
	return srv.ID, nil
}

// WaitForReady polls server show until ACTIVE and extracts the first
// address from the structured addresses map.
func (d *openStackDriver) WaitForReady(ctx context.Context, instanceID string, maxWait time.Duration) (string, error) {
	var address string
	err := pollUntil(ctx, errkind.KindInstanceNotReady, "server "+instanceID, 10*time.Second, maxWait,
		func(ctx context.Context) (bool, error) {
			var show serverResponse
			if err := d.cli.runJSON(ctx, &show, d.os("server", "show", instanceID)...); err != nil {
				return false, err
			}
			switch show.Status {
			case "ACTIVE":
				address = firstAddress(show.Addresses)
				return address != "", nil
			case "ERROR":
				return false, fmt.Errorf("server %s entered ERROR while waiting for ready", instanceID)
			default:
				return false, nil
			}
		})
	if err != nil {
		return "", err
	}
	return address, nil
}

// Teardown deletes every resource, collecting all failures.
func (d *openStackDriver) Teardown(ctx context.Context, resources []Resource) []TeardownFailure {
	var failures []TeardownFailure
	for _, res := range resources {
		var err error
		switch res.Kind {
		case KindInstance:
			_, err = d.cli.run(ctx, "openstack", "server", "delete", "--wait", res.ID)
		case KindImage:
			_, err = d.cli.run(ctx, "openstack", "image", "delete", res.ID)
		case KindKeyPair:
			_, err = d.cli.run(ctx, "openstack", "keypair", "delete", res.ID)
		default:
			err = fmt.Errorf("openstack driver cannot delete resource kind %q", res.Kind)
		}
		if err != nil {
			logging.Error("Cloud", err, "failed to delete %s", res)
			failures = append(failures, TeardownFailure{Resource: res, Err: err})
		} else {
			logging.Debug("Cloud", "deleted %s", res)
		}
	}
	return failures
}

// firstAddress digs the first IP out of nova's addresses map, which is
// {"network-name": [{"addr": "10.0.0.5", ...}, ...]} in JSON output.
func firstAddress(addresses any) string {
	networks, ok := addresses.(map[string]any)
	if !ok {
		return ""
	}
	for _, entries := range networks {
		list, ok := entries.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			if m, ok := entry.(map[string]any); ok {
				if addr, ok := m["addr"].(string); ok && addr != "" {
					return addr
				}
			}
		}
	}
	return ""
}

// writeTempKey stores a public key where the CLI can read it.
func writeTempKey(publicKey string) (string, error) {
	f, err := os.CreateTemp("", "imagetest-pubkey-*.pub")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(publicKey); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
