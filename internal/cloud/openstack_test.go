package cloud

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenStack(exec *fakeExec, tracker *Tracker) Driver {
	return NewOpenStack(exec, map[string]string{"OS_AUTH_URL": "http://keystone:5000"}, OpenStackSettings{
		Flavor:  "m1.small",
		Network: "test-net",
	}, tracker)
}

func TestOpenStackUploadImage(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "disk.qcow2")
	require.NoError(t, os.WriteFile(artifact, []byte("image"), 0o644))

	exec := newFakeExec()
	exec.respond("image create", `{"id": "img-1", "status": "queued"}`)
	exec.respond("image show", `{"id": "img-1", "status": "active"}`)

	tracker := NewTracker()
	driver := newTestOpenStack(exec, tracker)

	ref, err := driver.UploadImage(context.Background(), artifact, "test-image")
	require.NoError(t, err)
	assert.Equal(t, "img-1", ref)

	// Glance upload and registration share the image object.
	resources := tracker.List()
	require.Len(t, resources, 1)
	assert.Equal(t, KindImage, resources[0].Kind)
}

func TestOpenStackUploadImageMissingArtifact(t *testing.T) {
	driver := newTestOpenStack(newFakeExec(), NewTracker())

	_, err := driver.UploadImage(context.Background(), "/nonexistent/disk.qcow2", "")
	require.Error(t, err)
}

func TestOpenStackLaunchInstance(t *testing.T) {
	exec := newFakeExec()
	exec.respond("server create", `{"id": "srv-1", "status": "BUILD"}`)

	tracker := NewTracker()
	driver := newTestOpenStack(exec, tracker)

	id, err := driver.LaunchInstance(context.Background(), "img-1", "ssh-ed25519 AAAA test", "")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", id)

	assert.Equal(t, 1, exec.callsMatching("--flavor m1.small"))
	assert.Equal(t, 1, exec.callsMatching("--network test-net"))

	resources := tracker.List()
	require.Len(t, resources, 2)
	assert.Equal(t, KindKeyPair, resources[0].Kind)
	assert.Equal(t, KindInstance, resources[1].Kind)
}

func TestOpenStackWaitForReady(t *testing.T) {
	exec := newFakeExec()
	exec.respond("server show", `{
		"id": "srv-1",
		"status": "ACTIVE",
		"addresses": {"test-net": [{"addr": "10.0.0.5", "version": 4}]}
	}`)
	driver := newTestOpenStack(exec, NewTracker())

	address, err := driver.WaitForReady(context.Background(), "srv-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", address)
}

func TestOpenStackTeardownAttemptsAll(t *testing.T) {
	exec := newFakeExec()
	exec.fail("server delete", fmt.Errorf("server locked"))
	driver := newTestOpenStack(exec, NewTracker())

	failures := driver.Teardown(context.Background(), []Resource{
		{Kind: KindInstance, ID: "srv-1"},
		{Kind: KindKeyPair, ID: "key-1"},
		{Kind: KindImage, ID: "img-1"},
	})

	require.Len(t, failures, 1)
	assert.Equal(t, "srv-1", failures[0].Resource.ID)
	assert.Equal(t, 1, exec.callsMatching("keypair delete"))
	assert.Equal(t, 1, exec.callsMatching("image delete"))
}

func TestFirstAddress(t *testing.T) {
	tests := []struct {
		name      string
		addresses any
		expected  string
	}{
		{
			name: "single network",
			addresses: map[string]any{
				"private": []any{map[string]any{"addr": "10.0.0.5"}},
			},
			expected: "10.0.0.5",
		},
		{
			name:      "no networks",
			addresses: map[string]any{},
			expected:  "",
		},
		{
			name:      "not a map",
			addresses: "10.0.0.5",
			expected:  "",
		},
		{
			name: "empty entry list",
			addresses: map[string]any{
				"private": []any{},
			},
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, firstAddress(tt.addresses))
		})
	}
}
