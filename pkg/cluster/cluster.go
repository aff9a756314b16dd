/*
Copyright 2026 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"sigs.k8s.io/comal/pkg/artifact"
	"sigs.k8s.io/comal/pkg/exec"
	"sigs.k8s.io/comal/pkg/rollout"
	"sigs.k8s.io/comal/pkg/run"
)

// Client applies deployment manifests and reads their rollout status
type Client struct {
	clientset kubernetes.Interface
}

// New returns a client from a kubeconfig file. When kubeconfig is empty
// the in-cluster configuration is used.
func New(kubeconfig string) (*Client, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building cluster configuration: %w", err)
	}
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating cluster client: %w", err)
	}
	return NewWithClientset(cs), nil
}

func NewWithClientset(cs kubernetes.Interface) *Client {
	return &Client{clientset: cs}
}

// ApplyResult tells what Apply did to the cluster
type ApplyResult string

const (
	Created   ApplyResult = "created"
	Updated   ApplyResult = "updated"
	Unchanged ApplyResult = "unchanged"
)

// Workload is the deployment manifest and the overrides applied to it
type Workload struct {
	Manifest []byte
	// Container receives the artifact image. Empty selects the only
	// container of the pod.
	Container string
	// Replicas replaces the replica count of the manifest, it is the
	// count the rollout is awaited for
	Replicas int32
}

// Apply decodes the deployment manifest, points its container to the
// artifact and creates or updates it in the cluster. Applying the same
// workload and artifact again does not write to the cluster.
func (c *Client) Apply(
	ctx context.Context, target rollout.DeploymentRef, w Workload, ref artifact.Ref,
) (ApplyResult, error) {
	summary := fmt.Sprintf("apply %s image %s", target, ref.Reference())
	desired, err := decodeDeployment(w.Manifest, target)
	if err != nil {
		return "", exec.NewFailed(summary, 0, "", err)
	}
	if err := setImage(desired, w.Container, ref.Reference()); err != nil {
		return "", exec.NewFailed(summary, 0, "", err)
	}
	if w.Replicas < 0 {
		return "", exec.NewFailed(summary, 0, "", fmt.Errorf("negative replica count %d", w.Replicas))
	}
	replicas := w.Replicas
	desired.Spec.Replicas = &replicas

	log := logrus.WithField("deployment", target.String())
	deployments := c.clientset.AppsV1().Deployments(target.Namespace)
	existing, err := deployments.Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return "", Classify(summary, err)
		}
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return "", Classify(summary, err)
		}
		log.Infof("Created deployment with image %s", ref.Reference())
		return Created, nil
	}

	if equality.Semantic.DeepDerivative(desired.Spec, existing.Spec) {
		log.Infof("Deployment already runs %s, nothing to update", ref.Reference())
		return Unchanged, nil
	}

	updated := existing.DeepCopy()
	updated.Spec = desired.Spec
	if updated.Labels == nil {
		updated.Labels = map[string]string{}
	}
	for k, v := range desired.Labels {
		updated.Labels[k] = v
	}
	if _, err := deployments.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
		return "", Classify(summary, err)
	}
	log.Infof("Updated deployment to image %s", ref.Reference())
	return Updated, nil
}

// Snapshot reads the replica status of a deployment. Status counters that
// the controller has not reconciled yet are reported as not updated.
func (c *Client) Snapshot(ctx context.Context, target rollout.DeploymentRef) (*run.RolloutSnapshot, error) {
	d, err := c.clientset.AppsV1().Deployments(target.Namespace).Get(ctx, target.Name, metav1.GetOptions{})
	if err != nil {
		return nil, Classify("get deployment "+target.String(), err)
	}
	return snapshotOf(d), nil
}

func snapshotOf(d *appsv1.Deployment) *run.RolloutSnapshot {
	desired := int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	snap := &run.RolloutSnapshot{
		DesiredReplicas: desired,
		ReadyReplicas:   d.Status.ReadyReplicas,
		UpdatedReplicas: d.Status.UpdatedReplicas,
		Timestamp:       time.Now(),
	}
	if d.Status.ObservedGeneration < d.Generation {
		snap.UpdatedReplicas = 0
	}
	return snap
}

func decodeDeployment(manifest []byte, target rollout.DeploymentRef) (*appsv1.Deployment, error) {
	if len(manifest) == 0 {
		return nil, errors.New("deployment manifest is empty")
	}
	d := &appsv1.Deployment{}
	if err := yaml.Unmarshal(manifest, d); err != nil {
		return nil, fmt.Errorf("decoding deployment manifest: %w", err)
	}
	if d.Kind != "" && d.Kind != "Deployment" {
		return nil, fmt.Errorf("manifest describes a %s, not a Deployment", d.Kind)
	}
	if d.Name == "" {
		d.Name = target.Name
	}
	if d.Namespace == "" {
		d.Namespace = target.Namespace
	}
	if d.Name != target.Name || d.Namespace != target.Namespace {
		return nil, fmt.Errorf(
			"manifest deployment %s/%s does not match the target %s", d.Namespace, d.Name, target,
		)
	}
	return d, nil
}

// setImage points a container of the pod template to image. An empty
// container name selects the only container of the pod.
func setImage(d *appsv1.Deployment, container, image string) error {
	containers := d.Spec.Template.Spec.Containers
	if container == "" {
		if len(containers) != 1 {
			return fmt.Errorf("pod template has %d containers, a container name is required", len(containers))
		}
		containers[0].Image = image
		return nil
	}
	for i := range containers {
		if containers[i].Name == container {
			containers[i].Image = image
			return nil
		}
	}
	return fmt.Errorf("container %q not found in pod template", container)
}

// Classify maps API server errors to execution errors. Requests the server
// rejected are permanent, throttling and server side trouble are retried.
func Classify(summary string, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err),
		apierrors.IsForbidden(err), apierrors.IsUnauthorized(err),
		apierrors.IsMethodNotSupported(err), apierrors.IsNotAcceptable(err):
		return exec.NewFailed(summary, 0, "", err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsInternalError(err),
		apierrors.IsServiceUnavailable(err), apierrors.IsUnexpectedServerError(err),
		apierrors.IsConflict(err):
		return exec.NewNetwork(summary, err)
	case apierrors.IsNotFound(err):
		return exec.NewFailed(summary, 0, "", err)
	}
	return exec.Classify(summary, err)
}
