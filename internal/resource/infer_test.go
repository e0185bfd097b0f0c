package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func decl(obj map[string]interface{}) Declaration {
	u := &unstructured.Unstructured{Object: obj}
	return Declaration{Ref: RefFromManifest(u), Manifest: u}
}

func deploymentWithRefs() Declaration {
	return decl(map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "prod"},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{
					"labels": map[string]interface{}{"app": "api"},
				},
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{
							"name": "main",
							"env": []interface{}{
								map[string]interface{}{
									"name": "DB_PASSWORD",
									"valueFrom": map[string]interface{}{
										"secretKeyRef": map[string]interface{}{"name": "db-creds", "key": "password"},
									},
								},
							},
							"envFrom": []interface{}{
								map[string]interface{}{
									"configMapRef": map[string]interface{}{"name": "app-config"},
								},
							},
						},
					},
					"volumes": []interface{}{
						map[string]interface{}{
							"name":      "extra",
							"configMap": map[string]interface{}{"name": "extra-config"},
						},
					},
					"imagePullSecrets": []interface{}{
						map[string]interface{}{"name": "registry-pull"},
					},
				},
			},
		},
	})
}

func TestInferWorkloadDependencies(t *testing.T) {
	dep := deploymentWithRefs()
	decls := []Declaration{
		dep,
		decl(map[string]interface{}{"apiVersion": "v1", "kind": "ConfigMap", "metadata": map[string]interface{}{"name": "app-config", "namespace": "prod"}}),
		decl(map[string]interface{}{"apiVersion": "v1", "kind": "ConfigMap", "metadata": map[string]interface{}{"name": "extra-config", "namespace": "prod"}}),
		decl(map[string]interface{}{"apiVersion": "v1", "kind": "Secret", "metadata": map[string]interface{}{"name": "db-creds", "namespace": "prod"}}),
	}

	deps := InferDependencies(decls)
	got := refStrings(deps[dep.Ref])
	assert.ElementsMatch(t, []string{
		"ConfigMap/prod/app-config",
		"ConfigMap/prod/extra-config",
		"Secret/prod/db-creds",
	}, got)
	// registry-pull is not part of the set, so no edge is created for it.
	assert.NotContains(t, got, "Secret/prod/registry-pull")
}

func TestInferServiceSelectsWorkloads(t *testing.T) {
	dep := deploymentWithRefs()
	svc := decl(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "prod"},
		"spec": map[string]interface{}{
			"selector": map[string]interface{}{"app": "api"},
		},
	})
	other := decl(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "unrelated", "namespace": "prod"},
		"spec": map[string]interface{}{
			"selector": map[string]interface{}{"app": "worker"},
		},
	})

	deps := InferDependencies([]Declaration{dep, svc, other})
	assert.Equal(t, []string{"Deployment/prod/api"}, refStrings(deps[svc.Ref]))
	assert.Empty(t, deps[other.Ref])
}

func TestInferIngressAndHPA(t *testing.T) {
	svc := decl(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "prod"},
	})
	ing := decl(map[string]interface{}{
		"apiVersion": "networking.k8s.io/v1",
		"kind":       "Ingress",
		"metadata":   map[string]interface{}{"name": "edge", "namespace": "prod"},
		"spec": map[string]interface{}{
			"rules": []interface{}{
				map[string]interface{}{
					"http": map[string]interface{}{
						"paths": []interface{}{
							map[string]interface{}{
								"backend": map[string]interface{}{
									"service": map[string]interface{}{"name": "api"},
								},
							},
						},
					},
				},
			},
		},
	})
	workload := decl(map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "prod"},
	})
	hpa := decl(map[string]interface{}{
		"apiVersion": "autoscaling/v2",
		"kind":       "HorizontalPodAutoscaler",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "prod"},
		"spec": map[string]interface{}{
			"scaleTargetRef": map[string]interface{}{"kind": "Deployment", "name": "api"},
		},
	})

	deps := InferDependencies([]Declaration{svc, ing, workload, hpa})
	assert.Equal(t, []string{"Service/prod/api"}, refStrings(deps[ing.Ref]))
	assert.Equal(t, []string{"Deployment/prod/api"}, refStrings(deps[hpa.Ref]))
}

func TestInferIgnoresCrossNamespaceSelectors(t *testing.T) {
	dep := deploymentWithRefs()
	svc := decl(map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Service",
		"metadata":   map[string]interface{}{"name": "api", "namespace": "staging"},
		"spec": map[string]interface{}{
			"selector": map[string]interface{}{"app": "api"},
		},
	})

	deps := InferDependencies([]Declaration{dep, svc})
	assert.Empty(t, deps[svc.Ref])
}

func refStrings(refs []Ref) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func TestInferRequiresInSetTarget(t *testing.T) {
	dep := deploymentWithRefs()
	deps := InferDependencies([]Declaration{dep})
	require.Empty(t, deps[dep.Ref])
}
