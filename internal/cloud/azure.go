package cloud

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"imagetest/internal/executor"
	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// AzureSettings configures the Azure driver.
type AzureSettings struct {
	ResourceGroup    string
	StorageAccount   string
	StorageContainer string
	Location         string
	CommandTimeout   time.Duration
}

// azureDriver deploys through the az CLI with -o json.
type azureDriver struct {
	cli      *cliRunner
	settings AzureSettings
	tracker  *Tracker
}

// NewAzure creates the Azure deployment driver. Credentials reach the
// CLI through the supplied env only (AZURE_* service principal vars are
// consumed by `az login --service-principal` performed by the scenario's
// setup phase).
func NewAzure(exec executor.Executor, env map[string]string, settings AzureSettings, tracker *Tracker) Driver {
	return &azureDriver{
		cli:      newCLIRunner(exec, env, settings.CommandTimeout),
		settings: settings,
		tracker:  tracker,
	}
}

func (d *azureDriver) Variant() Variant { return VariantAzure }

func (d *azureDriver) az(args ...string) []string {
	return append(append([]string{"az"}, args...), "-o", "json")
}

type blobExistsResponse struct {
	Exists bool `json:"exists"`
}

// UploadImage uploads the artifact as a page blob and polls until the
// storage service reports it, since blob listings lag the upload.
func (d *azureDriver) UploadImage(ctx context.Context, artifactPath, target string) (string, error) {
	blob := target
	if blob == "" {
		blob = filepath.Base(artifactPath)
	}

	if _, err := d.cli.run(ctx, d.az("storage", "blob", "upload",
		"--account-name", d.settings.StorageAccount,
		"--container-name", d.settings.StorageContainer,
		"--type", "page",
		"--file", artifactPath,
		"--name", blob)...); err != nil {
		return "", errkind.Wrap(errkind.KindUploadFailed, err, "upload of %s to container %s", artifactPath, d.settings.StorageContainer)
	}
	d.tracker.Add(KindBlob, blob)

	err := pollUntil(ctx, errkind.KindUploadFailed, "blob "+blob, 2*time.Second, 2*time.Minute,
		func(ctx context.Context) (bool, error) {
			var exists blobExistsResponse
			if err := d.cli.runJSON(ctx, &exists, d.az("storage", "blob", "exists",
				"--account-name", d.settings.StorageAccount,
				"--container-name", d.settings.StorageContainer,
				"--name", blob)...); err != nil {
				return false, err
			}
			return exists.Exists, nil
		})
	if err != nil {
		return "", err
	}

	logging.Info("Cloud", "uploaded %s as blob %s", artifactPath, blob)
	return blob, nil
}

type azureIDResponse struct {
	ID string `json:"id"`
}

// RegisterImage creates a managed image from the uploaded VHD blob.
func (d *azureDriver) RegisterImage(ctx context.Context, reference string, meta ImageMetadata) (string, error) {
	blobURL := fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s",
		d.settings.StorageAccount, d.settings.StorageContainer, reference)

	var img azureIDResponse
	if err := d.cli.runJSON(ctx, &img, d.az("image", "create",
		"--resource-group", d.settings.ResourceGroup,
		"--name", meta.Name,
		"--os-type", "Linux",
		"--source", blobURL)...); err != nil {
		return "", fmt.Errorf("failed to create image from %s: %w", reference, err)
	}

	d.tracker.Add(KindImage, meta.Name)
	logging.Info("Cloud", "registered image %s (%s)", meta.Name, img.ID)
	return meta.Name, nil
}

// LaunchInstance creates a VM from the managed image. With --no-wait
// az returns as soon as the deployment is accepted and prints nothing,
// so the command output is discarded; WaitForReady polls for the VM.
func (d *azureDriver) LaunchInstance(ctx context.Context, imageID, sshPublicKey, sizeHint string) (string, error) {
	if sizeHint == "" {
		sizeHint = "Standard_B1s"
	}
	vmName := imageID + "-vm"

	if _, err := d.cli.run(ctx, d.az("vm", "create",
		"--resource-group", d.settings.ResourceGroup,
		"--name", vmName,
		"--image", imageID,
		"--size", sizeHint,
		"--admin-username", "cloud-user",
		"--ssh-key-values", sshPublicKey,
		"--no-wait")...); err != nil {
		return "", fmt.Errorf("failed to launch VM from %s: %w", imageID, err)
	}

	d.tracker.Add(KindInstance, vmName)
	logging.Info("Cloud", "launched VM %s from %s", vmName, imageID)
	return vmName, nil
}

type vmShowResponse struct {
	PowerState string   `json:"powerState"`
	PublicIps  string   `json:"publicIps"`
	FQDNs      string   `json:"fqdns"`
	Statuses   []string `json:"statuses"`
}

// WaitForReady polls `az vm show -d` until the VM is running with a
// public address.
func (d *azureDriver) WaitForReady(ctx context.Context, instanceID string, maxWait time.Duration) (string, error) {
	var address string
	err := pollUntil(ctx, errkind.KindInstanceNotReady, "vm "+instanceID, 10*time.Second, maxWait,
		func(ctx context.Context) (bool, error) {
			var show vmShowResponse
			if err := d.cli.runJSON(ctx, &show, d.az("vm", "show", "-d",
				"--resource-group", d.settings.ResourceGroup,
				"--name", instanceID)...); err != nil {
				// The deployment may not have materialized the VM object yet.
				return false, nil
			}
			if show.PowerState != "VM running" || show.PublicIps == "" {
				return false, nil
			}
			address = show.PublicIps
			return true, nil
		})
	if err != nil {
		return "", err
	}
	return address, nil
}

// Teardown deletes every resource, collecting all failures.
func (d *azureDriver) Teardown(ctx context.Context, resources []Resource) []TeardownFailure {
	var failures []TeardownFailure
	for _, res := range resources {
		var err error
		switch res.Kind {
		case KindInstance:
			_, err = d.cli.run(ctx, d.az("vm", "delete",
				"--resource-group", d.settings.ResourceGroup,
				"--name", res.ID, "--yes")...)
		case KindImage:
			_, err = d.cli.run(ctx, d.az("image", "delete",
				"--resource-group", d.settings.ResourceGroup,
				"--name", res.ID)...)
		case KindBlob:
			_, err = d.cli.run(ctx, d.az("storage", "blob", "delete",
				"--account-name", d.settings.StorageAccount,
				"--container-name", d.settings.StorageContainer,
				"--name", res.ID)...)
		default:
			err = fmt.Errorf("azure driver cannot delete resource kind %q", res.Kind)
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
