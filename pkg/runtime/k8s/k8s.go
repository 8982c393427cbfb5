// Package k8s implements the "container cluster" Runtime adapter (spec.md
// §2/§4.4): translate a job into a pod manifest, submit it to the cluster
// API, poll phase, and on Succeeded/Failed map the pod's outcome to a
// terminal Node result. Directly adapted from the teacher's
// pkg/plugin/driver/job (single-pod dispatch, label-based lookup, deletion
// with a propagation policy) and pkg/plugin/driver/utils (pod-failure
// classification), updated to the context-aware client-go API surface.
package k8s

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"

	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

const sessionLabel = "kci-pipeline-run"

// Adapter dispatches one pod per job to a Kubernetes cluster.
type Adapter struct {
	Client    kubernetes.Interface
	Namespace string

	// PodSpecFor renders the PodSpec for job from its rule/platform
	// parameters, delegating the actual YAML/JSON manifest templating the
	// external template engine would otherwise own (spec.md §9); this
	// adapter only needs the final PodSpec. Submit also renders it to YAML
	// via sigs.k8s.io/yaml, but that manifest is not attached to the Node.
	PodSpecFor func(job runtime.Job) (corev1.PodSpec, error)
}

// New constructs a k8s Adapter.
func New(client kubernetes.Interface, namespace string, podSpecFor func(runtime.Job) (corev1.PodSpec, error)) *Adapter {
	return &Adapter{Client: client, Namespace: namespace, PodSpecFor: podSpecFor}
}

func sessionID() string {
	id := uuid.NewV4()
	buf := make([]byte, hex.EncodedLen(8))
	hex.Encode(buf, id[:8])
	return string(buf)
}

func podName(jobName, session string) string {
	return "kci-" + strings.ReplaceAll(jobName, "_", "-") + "-" + session
}

// Submit builds the PodSpec for job and creates it as a bare pod (the
// teacher's job.go comment explains why: "k8s.Job semantics are broken"
// for single-shot worker dispatch, so a Pod with RestartPolicyNever gives
// the same effective semantics without a controller retrying on our
// behalf).
func (a *Adapter) Submit(ctx context.Context, job runtime.Job) (runtime.Handle, error) {
	spec, err := a.PodSpecFor(job)
	if err != nil {
		return "", errors.Wrap(err, "k8s: rendering pod spec")
	}
	spec.RestartPolicy = corev1.RestartPolicyNever

	session := sessionID()
	name := podName(job.Definition.Name, session)

	manifest, err := yaml.Marshal(spec)
	if err != nil {
		return "", errors.Wrap(err, "k8s: rendering manifest for logging")
	}
	_ = manifest // not stored or logged; only a marshalling error is reported.

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: a.Namespace,
			Labels:    map[string]string{sessionLabel: session},
		},
		Spec: spec,
	}

	if _, err := a.Client.CoreV1().Pods(a.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return "", errors.Wrapf(err, "k8s: creating pod for job %q", job.Definition.Name)
	}

	return runtime.Handle(session), nil
}

// Poll looks up the pod created for handle's session and reports whether
// it has reached a terminal phase.
func (a *Adapter) Poll(ctx context.Context, handle runtime.Handle) (runtime.Status, error) {
	pods, err := a.Client.CoreV1().Pods(a.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: sessionLabel + "=" + string(handle),
	})
	if err != nil {
		return runtime.Status{}, errors.Wrap(err, "k8s: listing pod for handle")
	}
	if len(pods.Items) != 1 {
		return runtime.Status{}, errors.Errorf("k8s: expected exactly one pod for session %q, found %d", handle, len(pods.Items))
	}

	pod := pods.Items[0]
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return runtime.Status{Done: true, Result: node.ResultPass}, nil
	case corev1.PodFailed:
		if isInfraFailure(&pod) {
			return runtime.Status{
				Done:      true,
				Result:    node.ResultIncomplete,
				ErrorCode: "k8s_pod_failure",
				ErrorMsg:  podFailureReason(&pod),
			}, nil
		}
		return runtime.Status{Done: true, Result: node.ResultFail}, nil
	default:
		return runtime.Status{Done: false}, nil
	}
}

// Cancel deletes the pod backing handle, matching the teacher's
// Job.Cleanup: delete by label selector with a short grace period and
// background propagation so the caller doesn't block on kubelet teardown.
func (a *Adapter) Cancel(ctx context.Context, handle runtime.Handle) error {
	gracePeriod := int64(1)
	policy := metav1.DeletePropagationBackground

	err := a.Client.CoreV1().Pods(a.Namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{GracePeriodSeconds: &gracePeriod, PropagationPolicy: &policy},
		metav1.ListOptions{LabelSelector: sessionLabel + "=" + string(handle)},
	)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return errors.Wrap(err, "k8s: deleting pod")
}

// isInfraFailure classifies a failed pod as a tool/infrastructure error
// (spec.md §7, excluded from regression detection unless asked) versus a
// plain test failure, using the same node-condition heuristics as the
// teacher's utils.IsPodFailing.
func isInfraFailure(pod *corev1.Pod) bool {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated == nil {
			continue
		}
		switch cs.State.Terminated.Reason {
		case "Error", "ContainerCannotRun", "OOMKilled":
			continue // plain execution failure, not infra
		}
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodScheduled && cond.Status == corev1.ConditionFalse {
			return true
		}
	}
	return pod.Status.Reason == "Evicted" || pod.Status.Reason == "NodeLost"
}

func podFailureReason(pod *corev1.Pod) string {
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	return pod.Status.Reason
}

var _ runtime.Adapter = (*Adapter)(nil)
