package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	testingclock "k8s.io/utils/clock/testing"

	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
)

var testRef = resource.Ref{Kind: "ConfigMap", Namespace: "prod", Name: "app-config"}

func liveManifest() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name":              "app-config",
			"namespace":         "prod",
			"resourceVersion":   "12345",
			"uid":               "aaaa-bbbb",
			"generation":        int64(7),
			"creationTimestamp": "2026-01-01T00:00:00Z",
			"managedFields":     []interface{}{},
		},
		"data":   map[string]interface{}{"key": "old-value"},
		"status": map[string]interface{}{"phase": "whatever"},
	}}
}

func TestCaptureStripsServerFields(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(liveManifest(), nil)

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	cp, err := mgr.Capture(context.Background(), "plan-1", testRef)
	require.NoError(t, err)
	require.True(t, cp.Existed)

	metadata := cp.Manifest.Object["metadata"].(map[string]interface{})
	for _, field := range []string{"resourceVersion", "uid", "generation", "creationTimestamp", "managedFields"} {
		assert.NotContains(t, metadata, field)
	}
	assert.NotContains(t, cp.Manifest.Object, "status")
	assert.Equal(t, "old-value", cp.Manifest.Object["data"].(map[string]interface{})["key"])

	stored, ok := mgr.Checkpoint("plan-1", testRef)
	require.True(t, ok)
	assert.Same(t, cp, stored)
}

func TestCaptureOfAbsentResource(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(nil, reconciler.ErrNotFound)

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	cp, err := mgr.Capture(context.Background(), "plan-1", testRef)
	require.NoError(t, err)
	assert.False(t, cp.Existed)
	assert.Nil(t, cp.Manifest)
}

func TestCapturePropagatesGetErrors(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(nil, errors.New("connection refused"))

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	_, err := mgr.Capture(context.Background(), "plan-1", testRef)
	assert.ErrorContains(t, err, "cannot capture rollback point")

	_, ok := mgr.Checkpoint("plan-1", testRef)
	assert.False(t, ok)
}

// Round trip: the manifest handed back to Apply during restore equals the
// captured prior manifest.
func TestRestoreReappliesCapturedManifest(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(liveManifest(), nil)

	var applied *unstructured.Unstructured
	client.On("Apply", mock.Anything, testRef, mock.Anything).Run(func(args mock.Arguments) {
		applied = args.Get(2).(*unstructured.Unstructured)
	}).Return(nil)
	client.On("Status", mock.Anything, testRef).Return(reconciler.Status{Converged: true}, nil)

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	cp, err := mgr.Capture(context.Background(), "plan-1", testRef)
	require.NoError(t, err)

	err = mgr.Restore(context.Background(), "plan-1", testRef, time.Second, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Equal(t, cp.Manifest.Object, applied.Object)
}

func TestRestoreDeletesResourceThatDidNotExist(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(nil, reconciler.ErrNotFound)
	client.On("Delete", mock.Anything, testRef).Return(nil)

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	_, err := mgr.Capture(context.Background(), "plan-1", testRef)
	require.NoError(t, err)

	err = mgr.Restore(context.Background(), "plan-1", testRef, time.Second, time.Minute)
	require.NoError(t, err)
	client.AssertCalled(t, "Delete", mock.Anything, testRef)
	client.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything, mock.Anything)
}

func TestRestoreWithoutCheckpointFails(t *testing.T) {
	mgr := NewManager(&MockClient{}, testingclock.NewFakeClock(time.Now()))
	err := mgr.Restore(context.Background(), "plan-1", testRef, time.Second, time.Minute)

	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, testRef, failure.Resource)
}

func TestRestoreWrapsApplyFailure(t *testing.T) {
	client := &MockClient{}
	client.On("Get", mock.Anything, testRef).Return(liveManifest(), nil)
	client.On("Apply", mock.Anything, testRef, mock.Anything).Return(errors.New("rejected"))

	mgr := NewManager(client, testingclock.NewFakeClock(time.Now()))
	_, err := mgr.Capture(context.Background(), "plan-1", testRef)
	require.NoError(t, err)

	err = mgr.Restore(context.Background(), "plan-1", testRef, time.Second, time.Minute)
	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	assert.ErrorContains(t, err, "rollback of ConfigMap/prod/app-config failed")
}

func TestSeedRehydratesCheckpoints(t *testing.T) {
	mgr := NewManager(&MockClient{}, testingclock.NewFakeClock(time.Now()))
	cp := &Checkpoint{Resource: testRef, Existed: false, CapturedAt: time.Now()}
	mgr.Seed("plan-1", map[string]*Checkpoint{testRef.String(): cp})

	got, ok := mgr.Checkpoint("plan-1", testRef)
	require.True(t, ok)
	assert.Same(t, cp, got)

	all := mgr.Checkpoints("plan-1")
	assert.Len(t, all, 1)
}
