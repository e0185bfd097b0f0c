package resource

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"updatectl/pkg/logging"
)

// Kinds whose spec carries a pod template.
var podSpecKinds = map[string]bool{
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"Job":         true,
}

// InferDependencies derives implicit update dependencies from
// cross-resource fields. Only references that resolve to a resource in
// the supplied set become edges; references pointing outside the set are
// assumed to be pre-existing cluster objects and are left alone.
//
// Inferred edge sources:
//   - workloads depend on the ConfigMaps and Secrets their pod spec mounts
//     or injects as environment;
//   - a Service depends on the workloads its selector matches;
//   - an Ingress depends on its backend Services;
//   - a HorizontalPodAutoscaler depends on its scaleTargetRef.
func InferDependencies(decls []Declaration) map[Ref][]Ref {
	inSet := make(map[Ref]*Declaration, len(decls))
	for i := range decls {
		inSet[decls[i].Ref] = &decls[i]
	}

	deps := make(map[Ref][]Ref)
	add := func(from, to Ref) {
		if from == to {
			return
		}
		if _, ok := inSet[to]; !ok {
			return
		}
		for _, existing := range deps[from] {
			if existing == to {
				return
			}
		}
		deps[from] = append(deps[from], to)
		logging.Debug("ResourceModel", "Inferred dependency %s -> %s", from, to)
	}

	for _, decl := range decls {
		switch {
		case podSpecKinds[decl.Ref.Kind]:
			for _, name := range configMapRefs(decl.Manifest) {
				add(decl.Ref, Ref{Kind: "ConfigMap", Namespace: decl.Ref.Namespace, Name: name})
			}
			for _, name := range secretRefs(decl.Manifest) {
				add(decl.Ref, Ref{Kind: "Secret", Namespace: decl.Ref.Namespace, Name: name})
			}

		case decl.Ref.Kind == "Service":
			selector, found, _ := unstructured.NestedStringMap(decl.Manifest.Object, "spec", "selector")
			if !found || len(selector) == 0 {
				break
			}
			for _, candidate := range decls {
				if !podSpecKinds[candidate.Ref.Kind] || candidate.Ref.Namespace != decl.Ref.Namespace {
					continue
				}
				labels, _, _ := unstructured.NestedStringMap(candidate.Manifest.Object, "spec", "template", "metadata", "labels")
				if labelsMatch(selector, labels) {
					add(decl.Ref, candidate.Ref)
				}
			}

		case decl.Ref.Kind == "Ingress":
			for _, name := range ingressBackendServices(decl.Manifest) {
				add(decl.Ref, Ref{Kind: "Service", Namespace: decl.Ref.Namespace, Name: name})
			}

		case decl.Ref.Kind == "HorizontalPodAutoscaler":
			kind, _, _ := unstructured.NestedString(decl.Manifest.Object, "spec", "scaleTargetRef", "kind")
			name, _, _ := unstructured.NestedString(decl.Manifest.Object, "spec", "scaleTargetRef", "name")
			if kind != "" && name != "" {
				add(decl.Ref, Ref{Kind: kind, Namespace: decl.Ref.Namespace, Name: name})
			}
		}
	}

	return deps
}

func labelsMatch(selector, labels map[string]string) bool {
	if len(labels) == 0 {
		return false
	}
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// configMapRefs collects ConfigMap names referenced by a pod-spec
// carrier's template: env valueFrom, envFrom and volumes.
func configMapRefs(obj *unstructured.Unstructured) []string {
	var names []string
	forEachContainer(obj, func(container map[string]interface{}) {
		names = append(names, envRefNames(container, "configMapKeyRef")...)
		names = append(names, envFromNames(container, "configMapRef")...)
	})
	volumes, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "volumes")
	for _, v := range volumes {
		volume, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if name, found, _ := unstructured.NestedString(volume, "configMap", "name"); found && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// secretRefs collects Secret names referenced by a pod-spec carrier's
// template: env valueFrom, envFrom, volumes and imagePullSecrets.
func secretRefs(obj *unstructured.Unstructured) []string {
	var names []string
	forEachContainer(obj, func(container map[string]interface{}) {
		names = append(names, envRefNames(container, "secretKeyRef")...)
		names = append(names, envFromNames(container, "secretRef")...)
	})
	volumes, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "volumes")
	for _, v := range volumes {
		volume, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if name, found, _ := unstructured.NestedString(volume, "secret", "secretName"); found && name != "" {
			names = append(names, name)
		}
	}
	pullSecrets, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", "imagePullSecrets")
	for _, p := range pullSecrets {
		pullSecret, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		if name, found, _ := unstructured.NestedString(pullSecret, "name"); found && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func forEachContainer(obj *unstructured.Unstructured, fn func(map[string]interface{})) {
	for _, field := range []string{"containers", "initContainers"} {
		containers, _, _ := unstructured.NestedSlice(obj.Object, "spec", "template", "spec", field)
		for _, c := range containers {
			if container, ok := c.(map[string]interface{}); ok {
				fn(container)
			}
		}
	}
}

func envRefNames(container map[string]interface{}, refField string) []string {
	var names []string
	env, _, _ := unstructured.NestedSlice(container, "env")
	for _, e := range env {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if name, found, _ := unstructured.NestedString(entry, "valueFrom", refField, "name"); found && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func envFromNames(container map[string]interface{}, refField string) []string {
	var names []string
	envFrom, _, _ := unstructured.NestedSlice(container, "envFrom")
	for _, e := range envFrom {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if name, found, _ := unstructured.NestedString(entry, refField, "name"); found && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func ingressBackendServices(obj *unstructured.Unstructured) []string {
	var names []string
	if name, found, _ := unstructured.NestedString(obj.Object, "spec", "defaultBackend", "service", "name"); found && name != "" {
		names = append(names, name)
	}
	rules, _, _ := unstructured.NestedSlice(obj.Object, "spec", "rules")
	for _, r := range rules {
		rule, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		paths, _, _ := unstructured.NestedSlice(rule, "http", "paths")
		for _, p := range paths {
			path, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if name, found, _ := unstructured.NestedString(path, "backend", "service", "name"); found && name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
