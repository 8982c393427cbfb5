package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/kernelci/kernelci-pipeline/pkg/config"
	"github.com/kernelci/kernelci-pipeline/pkg/node"
	"github.com/kernelci/kernelci-pipeline/pkg/runtime"
)

func podSpecFor(runtime.Job) (corev1.PodSpec, error) {
	return corev1.PodSpec{
		Containers: []corev1.Container{{Name: "runner", Image: "kernelci/runner"}},
	}, nil
}

func testJob() runtime.Job {
	return runtime.Job{
		Definition: config.Job{Name: "kbuild-gcc-12-arm64"},
		Node:       node.Node{ID: "node-1"},
	}
}

func TestSubmitCreatesLabeledPod(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	pods, err := client.CoreV1().Pods("kci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, pods.Items, 1)
	assert.Equal(t, string(handle), pods.Items[0].Labels[sessionLabel])
	assert.Equal(t, corev1.RestartPolicyNever, pods.Items[0].Spec.RestartPolicy)
}

func TestPollReportsSucceededAsPass(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)

	pods, err := client.CoreV1().Pods("kci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	pod := pods.Items[0]
	pod.Status.Phase = corev1.PodSucceeded
	_, err = client.CoreV1().Pods("kci").UpdateStatus(context.Background(), &pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	status, err := a.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, node.ResultPass, status.Result)
}

func TestPollReportsFailedAsFail(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)

	pods, err := client.CoreV1().Pods("kci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	pod := pods.Items[0]
	pod.Status.Phase = corev1.PodFailed
	_, err = client.CoreV1().Pods("kci").UpdateStatus(context.Background(), &pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	status, err := a.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, node.ResultFail, status.Result)
}

func TestPollClassifiesEvictionAsInfraFailure(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)

	pods, err := client.CoreV1().Pods("kci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	pod := pods.Items[0]
	pod.Status.Phase = corev1.PodFailed
	pod.Status.Reason = "Evicted"
	pod.Status.Message = "node ran out of memory"
	_, err = client.CoreV1().Pods("kci").UpdateStatus(context.Background(), &pod, metav1.UpdateOptions{})
	require.NoError(t, err)

	status, err := a.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, node.ResultIncomplete, status.Result)
	assert.Equal(t, "k8s_pod_failure", status.ErrorCode)
}

func TestPollPendingIsNotDone(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)

	status, err := a.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.False(t, status.Done)
}

func TestCancelDeletesPodBySession(t *testing.T) {
	client := k8sfake.NewSimpleClientset()
	a := New(client, "kci", podSpecFor)

	handle, err := a.Submit(context.Background(), testJob())
	require.NoError(t, err)

	require.NoError(t, a.Cancel(context.Background(), handle))

	pods, err := client.CoreV1().Pods("kci").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
}
