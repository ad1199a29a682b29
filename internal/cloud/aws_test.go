package cloud

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagetest/internal/executor"
)

// fakeExec is a scripted executor: each invocation is matched against
// registered argv substrings and answered with a canned result.
type fakeExec struct {
	mu        sync.Mutex
	calls     []executor.Spec
	responses map[string]executor.Result
	failures  map[string]error
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		responses: make(map[string]executor.Result),
		failures:  make(map[string]error),
	}
}

func (f *fakeExec) respond(match, stdout string) {
	f.responses[match] = executor.Result{Stdout: stdout}
}

func (f *fakeExec) fail(match string, err error) {
	f.failures[match] = err
}

func (f *fakeExec) Execute(_ context.Context, spec executor.Spec) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	f.mu.Unlock()

	line := strings.Join(spec.Argv, " ")
	for match, err := range f.failures {
		if strings.Contains(line, match) {
			return executor.Result{ExitCode: 1, Stderr: err.Error()}, nil
		}
	}
	for match, res := range f.responses {
		if strings.Contains(line, match) {
			return res, nil
		}
	}
	return executor.Result{Stdout: "{}"}, nil
}

func (f *fakeExec) Target() string { return "fake" }
func (f *fakeExec) Close() error   { return nil }

func (f *fakeExec) callLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.calls))
	for i, spec := range f.calls {
		lines[i] = strings.Join(spec.Argv, " ")
	}
	return lines
}

func (f *fakeExec) callsMatching(match string) int {
	count := 0
	for _, line := range f.callLines() {
		if strings.Contains(line, match) {
			count++
		}
	}
	return count
}

func newTestAWS(exec executor.Executor, tracker *Tracker) Driver {
	return NewAWS(exec, map[string]string{"AWS_ACCESS_KEY_ID": "test"}, AWSSettings{
		Region: "us-east-1",
		Bucket: "test-bucket",
	}, tracker)
}

func TestAWSUploadImage(t *testing.T) {
	exec := newFakeExec()
	tracker := NewTracker()
	driver := newTestAWS(exec, tracker)

	ref, err := driver.UploadImage(context.Background(), "/tmp/build/disk.ami", "")
	require.NoError(t, err)

	assert.Equal(t, "disk.ami", ref)
	assert.Equal(t, 1, exec.callsMatching("s3 cp /tmp/build/disk.ami s3://test-bucket/disk.ami"))
	assert.GreaterOrEqual(t, exec.callsMatching("head-object"), 1)

	resources := tracker.List()
	require.Len(t, resources, 1)
	assert.Equal(t, KindObject, resources[0].Kind)
	assert.Equal(t, "disk.ami", resources[0].ID)

	// Credentials travel with every invocation, nothing else.
	for _, spec := range exec.calls {
		assert.Equal(t, map[string]string{"AWS_ACCESS_KEY_ID": "test"}, spec.Env)
	}
}

func TestAWSUploadImageFailureIsClassified(t *testing.T) {
	exec := newFakeExec()
	exec.fail("s3 cp", fmt.Errorf("AccessDenied"))
	driver := newTestAWS(exec, NewTracker())

	_, err := driver.UploadImage(context.Background(), "/tmp/build/disk.ami", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestAWSRegisterImage(t *testing.T) {
	exec := newFakeExec()
	exec.respond("ec2 import-snapshot", `{"ImportTaskId": "import-task-1"}`)
	exec.respond("describe-import-snapshot-tasks", `{
		"ImportSnapshotTasks": [
			{"SnapshotTaskDetail": {"Status": "completed", "SnapshotId": "snap-1"}}
		]
	}`)
	exec.respond("register-image", `{"ImageId": "ami-1"}`)

	tracker := NewTracker()
	driver := newTestAWS(exec, tracker)

	imageID, err := driver.RegisterImage(context.Background(), "disk.vhd", ImageMetadata{
		Name:        "test-image",
		Description: "integration test image",
	})
	require.NoError(t, err)
	assert.Equal(t, "ami-1", imageID)

	// Import format follows the artifact extension.
	assert.Equal(t, 1, exec.callsMatching("Format=VHD"))

	resources := tracker.List()
	require.Len(t, resources, 2)
	assert.Equal(t, KindSnapshot, resources[0].Kind)
	assert.Equal(t, "snap-1", resources[0].ID)
	assert.Equal(t, KindImage, resources[1].Kind)
	assert.Equal(t, "ami-1", resources[1].ID)
}

func TestAWSLaunchInstance(t *testing.T) {
	exec := newFakeExec()
	exec.respond("run-instances", `{"Instances": [{"InstanceId": "i-1"}]}`)

	tracker := NewTracker()
	driver := newTestAWS(exec, tracker)

	instanceID, err := driver.LaunchInstance(context.Background(), "ami-1", "ssh-ed25519 AAAA test", "")
	require.NoError(t, err)
	assert.Equal(t, "i-1", instanceID)

	assert.Equal(t, 1, exec.callsMatching("import-key-pair --key-name ami-1-key"))
	assert.Equal(t, 1, exec.callsMatching("--instance-type t3.small"))

	resources := tracker.List()
	require.Len(t, resources, 2)
	assert.Equal(t, KindKeyPair, resources[0].Kind)
	assert.Equal(t, KindInstance, resources[1].Kind)
}

func TestAWSWaitForReady(t *testing.T) {
	exec := newFakeExec()
	exec.respond("describe-instances", `{
		"Reservations": [
			{"Instances": [{"State": {"Name": "running"}, "PublicIpAddress": "198.51.100.7"}]}
		]
	}`)
	driver := newTestAWS(exec, NewTracker())

	address, err := driver.WaitForReady(context.Background(), "i-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", address)
}

func TestAWSWaitForReadyTerminatedInstance(t *testing.T) {
	exec := newFakeExec()
	exec.respond("describe-instances", `{
		"Reservations": [
			{"Instances": [{"State": {"Name": "terminated"}}]}
		]
	}`)
	driver := newTestAWS(exec, NewTracker())

	_, err := driver.WaitForReady(context.Background(), "i-1", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
}

func TestAWSTeardownAttemptsAllResources(t *testing.T) {
	exec := newFakeExec()
	exec.fail("terminate-instances", fmt.Errorf("instance busy"))
	driver := newTestAWS(exec, NewTracker())

	resources := []Resource{
		{Kind: KindInstance, ID: "i-1"},
		{Kind: KindKeyPair, ID: "key-1"},
		{Kind: KindImage, ID: "ami-1"},
		{Kind: KindSnapshot, ID: "snap-1"},
		{Kind: KindObject, ID: "disk.ami"},
	}

	failures := driver.Teardown(context.Background(), resources)

	// One deletion failed, the other four still ran.
	require.Len(t, failures, 1)
	assert.Equal(t, "i-1", failures[0].Resource.ID)
	assert.Contains(t, failures[0].Err.Error(), "instance busy")

	assert.Equal(t, 1, exec.callsMatching("delete-key-pair"))
	assert.Equal(t, 1, exec.callsMatching("deregister-image"))
	assert.Equal(t, 1, exec.callsMatching("delete-snapshot"))
	assert.Equal(t, 1, exec.callsMatching("delete-object"))
}

func TestDiskFormat(t *testing.T) {
	assert.Equal(t, "VHD", diskFormat("disk.vhd"))
	assert.Equal(t, "VMDK", diskFormat("disk.vmdk"))
	assert.Equal(t, "RAW", diskFormat("disk.ami"))
	assert.Equal(t, "RAW", diskFormat("disk"))
}
