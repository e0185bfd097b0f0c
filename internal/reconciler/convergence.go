package reconciler

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// Converged inspects a live manifest and decides whether the reconciler
// has finished converging it. The checks are layered: generation tracking
// first, then kind-specific readiness for the built-in workload kinds,
// then generic readiness conditions for everything else.
func Converged(obj *unstructured.Unstructured) Status {
	generation := obj.GetGeneration()
	if generation > 0 {
		observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
		if found && observed < generation {
			return Status{Message: fmt.Sprintf("observed generation %d behind desired %d", observed, generation)}
		}
	}

	switch obj.GetKind() {
	case "Deployment":
		return deploymentReady(obj)
	case "StatefulSet":
		return statefulSetReady(obj)
	case "DaemonSet":
		return daemonSetReady(obj)
	case "Job":
		return jobComplete(obj)
	}

	if status, decided := readyCondition(obj); decided {
		return status
	}

	// Kinds without status (ConfigMap, Secret, Service) converge on accept.
	return Status{Converged: true, Message: "resource accepted"}
}

func deploymentReady(obj *unstructured.Unstructured) Status {
	var dep appsv1.Deployment
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &dep); err != nil {
		return Status{Message: fmt.Sprintf("cannot read Deployment status: %v", err)}
	}
	desired := int32(1)
	if dep.Spec.Replicas != nil {
		desired = *dep.Spec.Replicas
	}
	return replicasStatus(desired, dep.Status.ReadyReplicas, dep.Status.UpdatedReplicas)
}

func statefulSetReady(obj *unstructured.Unstructured) Status {
	var sts appsv1.StatefulSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &sts); err != nil {
		return Status{Message: fmt.Sprintf("cannot read StatefulSet status: %v", err)}
	}
	desired := int32(1)
	if sts.Spec.Replicas != nil {
		desired = *sts.Spec.Replicas
	}
	return replicasStatus(desired, sts.Status.ReadyReplicas, sts.Status.UpdatedReplicas)
}

func replicasStatus(desired, ready, updated int32) Status {
	if ready >= desired && updated >= desired {
		return Status{Converged: true, Message: fmt.Sprintf("%d/%d replicas ready", ready, desired)}
	}
	return Status{Message: fmt.Sprintf("%d/%d replicas ready, %d updated", ready, desired, updated)}
}

func daemonSetReady(obj *unstructured.Unstructured) Status {
	var ds appsv1.DaemonSet
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &ds); err != nil {
		return Status{Message: fmt.Sprintf("cannot read DaemonSet status: %v", err)}
	}
	desired := ds.Status.DesiredNumberScheduled
	ready := ds.Status.NumberReady
	if desired > 0 && ready >= desired {
		return Status{Converged: true, Message: fmt.Sprintf("%d/%d pods ready", ready, desired)}
	}
	return Status{Message: fmt.Sprintf("%d/%d pods ready", ready, desired)}
}

func jobComplete(obj *unstructured.Unstructured) Status {
	var job batchv1.Job
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, &job); err != nil {
		return Status{Message: fmt.Sprintf("cannot read Job status: %v", err)}
	}
	for _, condition := range job.Status.Conditions {
		if condition.Type == batchv1.JobComplete && condition.Status == corev1.ConditionTrue {
			return Status{Converged: true, Message: "job complete"}
		}
		if condition.Type == batchv1.JobFailed && condition.Status == corev1.ConditionTrue {
			return Status{Message: "job failed: " + condition.Message}
		}
	}
	return Status{Message: "job still running"}
}

// readyCondition looks for a Ready or Available condition on kinds we have
// no typed schema for. The second return is false when the object carries
// neither.
func readyCondition(obj *unstructured.Unstructured) (Status, bool) {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found {
		return Status{}, false
	}
	for _, c := range conditions {
		condition, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		condType, _, _ := unstructured.NestedString(condition, "type")
		if condType != "Ready" && condType != "Available" {
			continue
		}
		condStatus, _, _ := unstructured.NestedString(condition, "status")
		message, _, _ := unstructured.NestedString(condition, "message")
		if condStatus == "True" {
			return Status{Converged: true, Message: message}, true
		}
		return Status{Message: fmt.Sprintf("condition %s is %s: %s", condType, condStatus, message)}, true
	}
	return Status{}, false
}
