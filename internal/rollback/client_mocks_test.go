package rollback

import (
	"context"

	"github.com/stretchr/testify/mock"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/internal/reconciler"
	"updatectl/internal/resource"
)

// MockClient is a testify mock of reconciler.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Get(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error) {
	args := m.Called(ctx, ref)
	if obj := args.Get(0); obj != nil {
		return obj.(*unstructured.Unstructured), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) Apply(ctx context.Context, ref resource.Ref, manifest *unstructured.Unstructured) error {
	args := m.Called(ctx, ref, manifest)
	return args.Error(0)
}

func (m *MockClient) Delete(ctx context.Context, ref resource.Ref) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

func (m *MockClient) Status(ctx context.Context, ref resource.Ref) (reconciler.Status, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(reconciler.Status), args.Error(1)
}
