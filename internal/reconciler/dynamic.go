package reconciler

import (
	"context"
	"fmt"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // Important for various auth providers
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"

	"updatectl/internal/resource"
	"updatectl/pkg/logging"
)

// fieldManager identifies this tool's server-side apply ownership.
const fieldManager = "updatectl"

// dynamicClient is the production Client backed by client-go's dynamic
// interface. Kind-to-resource mappings come from discovery and are cached
// between calls.
type dynamicClient struct {
	dyn    dynamic.Interface
	mapper meta.RESTMapper

	mu       sync.RWMutex
	gvkCache map[string]schema.GroupVersionKind // by Kind, for Get/Delete/Status
}

// NewDynamicClient builds a Client for the given kubeconfig context. An
// empty context uses the kubeconfig's current context.
func NewDynamicClient(kubeContext string) (Client, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	configOverrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
	kubeConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, configOverrides)

	restConfig, err := kubeConfig.ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to get REST config for context %q: %w", kubeContext, err)
	}

	dyn, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	disco, err := discovery.NewDiscoveryClientForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disco))

	return &dynamicClient{
		dyn:      dyn,
		mapper:   mapper,
		gvkCache: make(map[string]schema.GroupVersionKind),
	}, nil
}

func (c *dynamicClient) Get(ctx context.Context, ref resource.Ref) (*unstructured.Unstructured, error) {
	gvr, namespaced, err := c.mappingForKind(ref.Kind)
	if err != nil {
		return nil, err
	}

	obj, err := c.resourceInterface(gvr, namespaced, ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", ref, err)
	}
	return obj, nil
}

func (c *dynamicClient) Apply(ctx context.Context, ref resource.Ref, manifest *unstructured.Unstructured) error {
	gvk := manifest.GroupVersionKind()
	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return &ApplyError{Resource: ref, Reason: fmt.Sprintf("no mapping for %s", gvk), Err: err}
	}
	c.rememberKind(ref.Kind, gvk)

	data, err := json.Marshal(manifest.Object)
	if err != nil {
		return &ApplyError{Resource: ref, Reason: "cannot serialize manifest", Err: err}
	}

	namespaced := mapping.Scope.Name() == meta.RESTScopeNameNamespace
	_, err = c.resourceInterface(mapping.Resource, namespaced, ref.Namespace).Patch(
		ctx, ref.Name, types.ApplyPatchType, data,
		metav1.PatchOptions{FieldManager: fieldManager},
	)
	if err != nil {
		// Invalid responses are the reconciler rejecting the submission
		// outright (e.g. immutable-field conflict) and will not succeed on
		// retry; everything else may be transient.
		return &ApplyError{
			Resource: ref,
			Reason:   err.Error(),
			Fatal:    apierrors.IsInvalid(err) || apierrors.IsBadRequest(err) || apierrors.IsForbidden(err),
			Err:      err,
		}
	}

	logging.Debug("Reconciler", "Applied %s", ref)
	return nil
}

func (c *dynamicClient) Delete(ctx context.Context, ref resource.Ref) error {
	gvr, namespaced, err := c.mappingForKind(ref.Kind)
	if err != nil {
		return err
	}

	err = c.resourceInterface(gvr, namespaced, ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return &ApplyError{Resource: ref, Reason: fmt.Sprintf("delete failed: %v", err), Err: err}
	}
	return nil
}

func (c *dynamicClient) Status(ctx context.Context, ref resource.Ref) (Status, error) {
	obj, err := c.Get(ctx, ref)
	if err != nil {
		if IsNotFound(err) {
			return Status{Message: "resource not found"}, nil
		}
		return Status{}, err
	}
	return Converged(obj), nil
}

func (c *dynamicClient) resourceInterface(gvr schema.GroupVersionResource, namespaced bool, namespace string) dynamic.ResourceInterface {
	if namespaced {
		return c.dyn.Resource(gvr).Namespace(namespace)
	}
	return c.dyn.Resource(gvr)
}

// mappingForKind resolves a bare kind (as carried by a Ref) to its
// preferred group-version-resource. Kinds seen in an earlier Apply resolve
// from the cache, so Get/Status after Apply cannot pick a different group.
func (c *dynamicClient) mappingForKind(kind string) (schema.GroupVersionResource, bool, error) {
	c.mu.RLock()
	gvk, cached := c.gvkCache[kind]
	c.mu.RUnlock()

	var mapping *meta.RESTMapping
	var err error
	if cached {
		mapping, err = c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	} else {
		mapping, err = c.mapper.RESTMapping(schema.GroupKind{Kind: kind})
	}
	if err != nil {
		return schema.GroupVersionResource{}, false, fmt.Errorf("no resource mapping for kind %s: %w", kind, err)
	}
	return mapping.Resource, mapping.Scope.Name() == meta.RESTScopeNameNamespace, nil
}

func (c *dynamicClient) rememberKind(kind string, gvk schema.GroupVersionKind) {
	c.mu.Lock()
	c.gvkCache[kind] = gvk
	c.mu.Unlock()
}
