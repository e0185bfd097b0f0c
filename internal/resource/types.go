package resource

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Annotations understood on resource manifests.
const (
	// DependsOnAnnotation lists explicit dependencies as a comma-separated
	// list of "Kind/namespace/name" (or "Kind/name" for resources in the
	// same namespace as the declaring resource).
	DependsOnAnnotation = "updatectl.io/depends-on"

	// StrategyAnnotation overrides the update strategy for a single
	// resource. It always wins over the kind-level strategy table.
	StrategyAnnotation = "updatectl.io/strategy"
)

// Ref uniquely identifies a resource within a target scope.
type Ref struct {
	Kind      string `json:"kind" yaml:"kind"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Name      string `json:"name" yaml:"name"`
}

// String renders the ref as "Kind/namespace/name", or "Kind/name" for
// cluster-scoped resources. This form is used as a stable map key and for
// deterministic ordering.
func (r Ref) String() string {
	if r.Namespace == "" {
		return r.Kind + "/" + r.Name
	}
	return r.Kind + "/" + r.Namespace + "/" + r.Name
}

// ParseRef parses "Kind/namespace/name" or "Kind/name". defaultNamespace
// is applied to the two-segment form.
func ParseRef(s, defaultNamespace string) (Ref, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	switch len(parts) {
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Ref{}, fmt.Errorf("invalid resource reference %q", s)
		}
		return Ref{Kind: parts[0], Namespace: defaultNamespace, Name: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Ref{}, fmt.Errorf("invalid resource reference %q", s)
		}
		return Ref{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
	default:
		return Ref{}, fmt.Errorf("invalid resource reference %q, expected Kind/name or Kind/namespace/name", s)
	}
}

// RefFromManifest derives the Ref for a manifest.
func RefFromManifest(obj *unstructured.Unstructured) Ref {
	return Ref{
		Kind:      obj.GetKind(),
		Namespace: obj.GetNamespace(),
		Name:      obj.GetName(),
	}
}

// SortRefs orders refs lexicographically by their string form. Plans must
// be reproducible for identical input, so every place that iterates a ref
// set sorts it first.
func SortRefs(refs []Ref) {
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].String() < refs[j].String()
	})
}

// Strategy is how an update is rolled out for a single resource.
type Strategy string

const (
	StrategyInPlace   Strategy = "in-place"
	StrategyRolling   Strategy = "rolling"
	StrategyReplace   Strategy = "replace"
	StrategyBlueGreen Strategy = "blue-green"
)

// ParseStrategy validates a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyInPlace, StrategyRolling, StrategyReplace, StrategyBlueGreen:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown update strategy %q", s)
	}
}

// Risk classifies how widely a failed update would ripple.
type Risk string

const (
	RiskCritical Risk = "critical"
	RiskHigh     Risk = "high"
	RiskMedium   Risk = "medium"
	RiskLow      Risk = "low"
)

// Declaration is one declared resource: its manifest plus everything
// parsed out of the updatectl annotations.
type Declaration struct {
	Ref              Ref
	Manifest         *unstructured.Unstructured
	ExplicitDeps     []Ref
	StrategyOverride Strategy // empty when no override annotation is present
}

// NewDeclaration parses the updatectl annotations off a manifest. Loading
// goes through it, and so does anything that rebuilds declarations from
// stored manifests: the annotations are the source of truth for explicit
// dependencies and strategy overrides.
func NewDeclaration(obj *unstructured.Unstructured) (Declaration, error) {
	ref := RefFromManifest(obj)
	if ref.Kind == "" || ref.Name == "" {
		return Declaration{}, fmt.Errorf("manifest is missing kind or metadata.name")
	}

	decl := Declaration{Ref: ref, Manifest: obj}

	annotations := obj.GetAnnotations()
	if raw, ok := annotations[DependsOnAnnotation]; ok && strings.TrimSpace(raw) != "" {
		for _, item := range strings.Split(raw, ",") {
			dep, err := ParseRef(item, ref.Namespace)
			if err != nil {
				return Declaration{}, fmt.Errorf("resource %s: %w", ref, err)
			}
			decl.ExplicitDeps = append(decl.ExplicitDeps, dep)
		}
	}

	if raw, ok := annotations[StrategyAnnotation]; ok {
		strategy, err := ParseStrategy(raw)
		if err != nil {
			return Declaration{}, fmt.Errorf("resource %s: %w", ref, err)
		}
		decl.StrategyOverride = strategy
	}

	return decl, nil
}
