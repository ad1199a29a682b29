package cloud

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"imagetest/internal/executor"
	"imagetest/pkg/errkind"
	"imagetest/pkg/logging"
)

// AWSSettings configures the AWS driver.
type AWSSettings struct {
	Region string
	// Bucket receives uploaded artifacts before snapshot import.
	Bucket string
	// CommandTimeout bounds each aws CLI invocation.
	CommandTimeout time.Duration
}

// awsDriver deploys through the aws CLI with --output json.
type awsDriver struct {
	cli      *cliRunner
	settings AWSSettings
	tracker  *Tracker
}

// NewAWS creates the AWS deployment driver. The env map must carry the
// credentials (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY) and whatever
// base environment the CLI needs; nothing else reaches the child. Every
// resource the driver creates is recorded in the tracker at creation
// time, before any later call can fail.
func NewAWS(exec executor.Executor, env map[string]string, settings AWSSettings, tracker *Tracker) Driver {
	return &awsDriver{
		cli:      newCLIRunner(exec, env, settings.CommandTimeout),
		settings: settings,
		tracker:  tracker,
	}
}

func (d *awsDriver) Variant() Variant { return VariantAWS }

func (d *awsDriver) aws(args ...string) []string {
	return append([]string{"aws", "--region", d.settings.Region, "--output", "json"}, args...)
}

// UploadImage copies the artifact into the configured bucket and polls
// head-object until S3 reports the key, since listing is eventually
// consistent with respect to the upload.
func (d *awsDriver) UploadImage(ctx context.Context, artifactPath, target string) (string, error) {
	key := target
	if key == "" {
		key = filepath.Base(artifactPath)
	}

	if _, err := d.cli.run(ctx, d.aws("s3", "cp", artifactPath, fmt.Sprintf("s3://%s/%s", d.settings.Bucket, key))...); err != nil {
		return "", errkind.Wrap(errkind.KindUploadFailed, err, "upload of %s to s3://%s", artifactPath, d.settings.Bucket)
	}
	d.tracker.Add(KindObject, key)

	err := pollUntil(ctx, errkind.KindUploadFailed, "s3 object "+key, 2*time.Second, 2*time.Minute,
		func(ctx context.Context) (bool, error) {
			res, err := d.cli.exec.Execute(ctx, executor.Spec{
				Argv:    d.aws("s3api", "head-object", "--bucket", d.settings.Bucket, "--key", key),
				Env:     d.cli.env,
				Timeout: d.cli.timeout,
			})
			if err != nil {
				return false, err
			}
			return res.ExitCode == 0, nil
		})
	if err != nil {
		return "", err
	}

	logging.Info("Cloud", "uploaded %s as s3://%s/%s", artifactPath, d.settings.Bucket, key)
	return key, nil
}

type importSnapshotResponse struct {
	ImportTaskID string `json:"ImportTaskId"`
}

type describeImportResponse struct {
	ImportSnapshotTasks []struct {
		SnapshotTaskDetail struct {
			Status        string `json:"Status"`
			StatusMessage string `json:"StatusMessage"`
			SnapshotID    string `json:"SnapshotId"`
		} `json:"SnapshotTaskDetail"`
	} `json:"ImportSnapshotTasks"`
}

type registerImageResponse struct {
	ImageID string `json:"ImageId"`
}

// RegisterImage imports the uploaded object as an EBS snapshot, waits
// for the import task, then registers an AMI on top of the snapshot.
func (d *awsDriver) RegisterImage(ctx context.Context, reference string, meta ImageMetadata) (string, error) {
	container := fmt.Sprintf("Format=%s,UserBucket={S3Bucket=%s,S3Key=%s}",
		diskFormat(reference), d.settings.Bucket, reference)

	var imp importSnapshotResponse
	if err := d.cli.runJSON(ctx, &imp, d.aws("ec2", "import-snapshot",
		"--description", meta.Description,
		"--disk-container", container)...); err != nil {
		return "", fmt.Errorf("failed to start snapshot import of %s: %w", reference, err)
	}

	var snapshotID string
	err := pollUntil(ctx, errkind.KindUploadFailed, "snapshot import "+imp.ImportTaskID, 10*time.Second, 30*time.Minute,
		func(ctx context.Context) (bool, error) {
			var desc describeImportResponse
			if err := d.cli.runJSON(ctx, &desc, d.aws("ec2", "describe-import-snapshot-tasks",
				"--import-task-ids", imp.ImportTaskID)...); err != nil {
				return false, err
			}
			if len(desc.ImportSnapshotTasks) == 0 {
				return false, nil
			}
			detail := desc.ImportSnapshotTasks[0].SnapshotTaskDetail
			switch detail.Status {
			case "completed":
				snapshotID = detail.SnapshotID
				return true, nil
			case "deleted", "deleting":
				return false, fmt.Errorf("snapshot import %s failed: %s", imp.ImportTaskID, detail.StatusMessage)
			default:
				return false, nil
			}
		})
	if err != nil {
		return "", err
	}
	d.tracker.Add(KindSnapshot, snapshotID)

	var reg registerImageResponse
	if err := d.cli.runJSON(ctx, &reg, d.aws("ec2", "register-image",
		"--name", meta.Name,
		"--architecture", "x86_64",
		"--virtualization-type", "hvm",
		"--root-device-name", "/dev/sda1",
		"--block-device-mappings", fmt.Sprintf("DeviceName=/dev/sda1,Ebs={SnapshotId=%s}", snapshotID))...); err != nil {
		return "", fmt.Errorf("failed to register AMI from %s: %w", snapshotID, err)
	}

	d.tracker.Add(KindImage, reg.ImageID)
	logging.Info("Cloud", "registered %s (snapshot %s)", reg.ImageID, snapshotID)
	return reg.ImageID, nil
}

type runInstancesResponse struct {
	Instances []struct {
		InstanceID string `json:"InstanceId"`
	} `json:"Instances"`
}

// LaunchInstance imports the scenario's public key as a key pair and
// runs one instance. It returns as soon as the provider acknowledges
// creation; readiness is WaitForReady's job.
func (d *awsDriver) LaunchInstance(ctx context.Context, imageID, sshPublicKey, sizeHint string) (string, error) {
	if sizeHint == "" {
		sizeHint = "t3.small"
	}
	keyName := imageID + "-key"

	if _, err := d.cli.run(ctx, d.aws("ec2", "import-key-pair",
		"--key-name", keyName,
		"--public-key-material", base64.StdEncoding.EncodeToString([]byte(sshPublicKey)))...); err != nil {
		return "", fmt.Errorf("failed to import key pair %s: %w", keyName, err)
	}
	d.tracker.Add(KindKeyPair, keyName)

	var run runInstancesResponse
	if err := d.cli.runJSON(ctx, &run, d.aws("ec2", "run-instances",
		"--image-id", imageID,
		"--instance-type", sizeHint,
		"--key-name", keyName,
		"--count", "1")...); err != nil {
		return "", fmt.Errorf("failed to launch instance from %s: %w", imageID, err)
	}
	if len(run.Instances) == 0 {
		return "", fmt.Errorf("run-instances acknowledged no instance for %s", imageID)
	}

	id := run.Instances[0].InstanceID
	d.tracker.Add(KindInstance, id)
	logging.Info("Cloud", "launched %s from %s", id, imageID)
	return id, nil
}

type describeInstancesResponse struct {
	Reservations []struct {
		Instances []struct {
			State struct {
				Name string `json:"Name"`
			} `json:"State"`
			PublicIPAddress string `json:"PublicIpAddress"`
		} `json:"Instances"`
	} `json:"Reservations"`
}

// WaitForReady polls describe-instances until the instance is running
// with a public address.
func (d *awsDriver) WaitForReady(ctx context.Context, instanceID string, maxWait time.Duration) (string, error) {
	var address string
	err := pollUntil(ctx, errkind.KindInstanceNotReady, "instance "+instanceID, 10*time.Second, maxWait,
		func(ctx context.Context) (bool, error) {
			var desc describeInstancesResponse
			if err := d.cli.runJSON(ctx, &desc, d.aws("ec2", "describe-instances",
				"--instance-ids", instanceID)...); err != nil {
				return false, err
			}
			if len(desc.Reservations) == 0 || len(desc.Reservations[0].Instances) == 0 {
				return false, nil
			}
			inst := desc.Reservations[0].Instances[0]
			switch inst.State.Name {
			case "running":
				if inst.PublicIPAddress == "" {
					return false, nil
				}
				address = inst.PublicIPAddress
				return true, nil
			case "terminated", "shutting-down":
				return false, fmt.Errorf("instance %s went %s while waiting for ready", instanceID, inst.State.Name)
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
func (d *awsDriver) Teardown(ctx context.Context, resources []Resource) []TeardownFailure {
	var failures []TeardownFailure
	for _, res := range resources {
		var err error
		switch res.Kind {
		case KindInstance:
			_, err = d.cli.run(ctx, d.aws("ec2", "terminate-instances", "--instance-ids", res.ID)...)
		case KindImage:
			_, err = d.cli.run(ctx, d.aws("ec2", "deregister-image", "--image-id", res.ID)...)
		case KindSnapshot:
			_, err = d.cli.run(ctx, d.aws("ec2", "delete-snapshot", "--snapshot-id", res.ID)...)
		case KindObject:
			_, err = d.cli.run(ctx, d.aws("s3api", "delete-object", "--bucket", d.settings.Bucket, "--key", res.ID)...)
		case KindKeyPair:
			_, err = d.cli.run(ctx, d.aws("ec2", "delete-key-pair", "--key-name", res.ID)...)
		default:
			err = fmt.Errorf("aws driver cannot delete resource kind %q", res.Kind)
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

// diskFormat maps an artifact reference to the import format AWS expects.
func diskFormat(reference string) string {
	switch strings.ToLower(filepath.Ext(reference)) {
	case ".vhd":
		return "VHD"
	case ".vmdk":
		return "VMDK"
	default:
		return "RAW"
	}
}
