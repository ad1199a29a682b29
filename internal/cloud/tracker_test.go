package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAddAndList(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, 0, tracker.Len())

	tracker.Add(KindObject, "s3://bucket/disk.ami")
	tracker.Add(KindSnapshot, "snap-1")
	tracker.Add(KindImage, "ami-1")

	assert.Equal(t, 3, tracker.Len())

	resources := tracker.List()
	require.Len(t, resources, 3)
	assert.Equal(t, KindObject, resources[0].Kind)
	assert.False(t, resources[0].CreatedAt.IsZero())

	// List returns a copy; mutating it must not affect the tracker.
	resources[0].ID = "mutated"
	assert.Equal(t, "s3://bucket/disk.ami", tracker.List()[0].ID)
}

func TestTrackerDrainOrder(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(KindObject, "object-1")
	tracker.Add(KindImage, "image-1")
	tracker.Add(KindInstance, "instance-1")

	drained := tracker.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, 0, tracker.Len())

	// Teardown goes newest first: the instance depends on the image,
	// the image on the uploaded object.
	assert.Equal(t, "instance-1", drained[0].ID)
	assert.Equal(t, "image-1", drained[1].ID)
	assert.Equal(t, "object-1", drained[2].ID)
}

func TestTrackerRestore(t *testing.T) {
	tracker := NewTracker()
	tracker.Add(KindInstance, "instance-1")

	drained := tracker.Drain()
	assert.Equal(t, 0, tracker.Len())

	tracker.Restore(drained)
	assert.Equal(t, 1, tracker.Len())
	assert.Equal(t, "instance-1", tracker.List()[0].ID)
}

func TestParseVariant(t *testing.T) {
	tests := []struct {
		input    string
		expected Variant
		wantErr  bool
	}{
		{"", VariantNone, false},
		{"none", VariantNone, false},
		{"aws", VariantAWS, false},
		{"azure", VariantAzure, false},
		{"openstack", VariantOpenStack, false},
		{"gcp", "", true},
	}
	for _, tt := range tests {
		variant, err := ParseVariant(tt.input)
		if tt.wantErr {
			assert.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.expected, variant)
	}
}
