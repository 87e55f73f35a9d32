/*
Copyright 2026.

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

// Package store is the single place the operator reads and writes
// CdkTsStack objects: status patches, finalizer updates and Kubernetes
// Events all go through the Gateway. It hides optimistic-concurrency
// retries and tolerates races with deletion so callers don't have to.
package store

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
)

const (
	getRetries    = 3
	retryInterval = time.Second
)

// StatusPatch is the partial status applied by PatchStatus. Phase and
// Message are always asserted; the pointer fields are applied only when
// set.
type StatusPatch struct {
	Phase   cdkv1alpha1.StackPhase
	Message string

	DriftDetected  *bool
	LastDriftCheck *metav1.Time
}

// Gateway mediates all access to CdkTsStack resources.
type Gateway struct {
	client.Client
	Recorder record.EventRecorder
	Log      logr.Logger
}

// NewGateway builds a Gateway around the given client and recorder.
func NewGateway(c client.Client, recorder record.EventRecorder, log logr.Logger) *Gateway {
	return &Gateway{Client: c, Recorder: recorder, Log: log}
}

// Get fetches a CdkTsStack, retrying transient errors a few times with a
// short backoff. NotFound is returned immediately and untranslated so
// callers can test it with apierrors.IsNotFound.
func (g *Gateway) Get(ctx context.Context, namespace, name string) (*cdkv1alpha1.CdkTsStack, error) {
	key := types.NamespacedName{Namespace: namespace, Name: name}
	stack := &cdkv1alpha1.CdkTsStack{}

	var err error
	for attempt := 0; attempt < getRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryInterval):
			}
		}
		if err = g.Client.Get(ctx, key, stack); err == nil {
			return stack, nil
		}
		if apierrors.IsNotFound(err) {
			return nil, err
		}
		g.Log.V(1).Info("transient error fetching CdkTsStack, retrying",
			"namespace", namespace, "name", name, "attempt", attempt+1, "error", err.Error())
	}
	return nil, err
}

// PatchStatus merge-patches the status subresource. Phase and Message are
// always re-asserted; lastDeploy is stamped when the patch moves the
// resource from Deploying into Succeeded. A NotFound anywhere is treated
// as success so races with deletion are not fatal; a conflict is resolved
// by re-reading once.
func (g *Gateway) PatchStatus(ctx context.Context, namespace, name string, patch StatusPatch) error {
	for attempt := 0; attempt < 2; attempt++ {
		current := &cdkv1alpha1.CdkTsStack{}
		key := types.NamespacedName{Namespace: namespace, Name: name}
		if err := g.Client.Get(ctx, key, current); err != nil {
			if apierrors.IsNotFound(err) {
				g.Log.Info("skipping status patch, resource is gone",
					"namespace", namespace, "name", name, "phase", patch.Phase)
				return nil
			}
			return err
		}

		updated := current.DeepCopy()
		if patch.Phase == cdkv1alpha1.PhaseSucceeded && current.Status.Phase == cdkv1alpha1.PhaseDeploying {
			now := metav1.Now()
			updated.Status.LastDeploy = &now
		}
		updated.Status.Phase = patch.Phase
		updated.Status.Message = patch.Message
		if patch.DriftDetected != nil {
			updated.Status.DriftDetected = *patch.DriftDetected
		}
		if patch.LastDriftCheck != nil {
			updated.Status.LastDriftCheck = patch.LastDriftCheck
		}

		err := g.Client.Status().Patch(ctx, updated, client.MergeFrom(current))
		if err == nil {
			return nil
		}
		if apierrors.IsNotFound(err) {
			g.Log.Info("status patch raced with deletion, ignoring",
				"namespace", namespace, "name", name)
			return nil
		}
		if !apierrors.IsConflict(err) || attempt == 1 {
			return err
		}
		g.Log.V(1).Info("status patch conflict, re-reading",
			"namespace", namespace, "name", name)
	}
	return nil
}

// AddFinalizer appends the controller finalizer if absent, reporting
// whether it was newly added.
func (g *Gateway) AddFinalizer(ctx context.Context, namespace, name string) (bool, error) {
	current := &cdkv1alpha1.CdkTsStack{}
	key := types.NamespacedName{Namespace: namespace, Name: name}
	if err := g.Client.Get(ctx, key, current); err != nil {
		return false, err
	}
	if controllerutil.ContainsFinalizer(current, cdkv1alpha1.Finalizer) {
		return false, nil
	}
	updated := current.DeepCopy()
	controllerutil.AddFinalizer(updated, cdkv1alpha1.Finalizer)
	if err := g.Client.Patch(ctx, updated, client.MergeFrom(current)); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveFinalizer drops the controller finalizer. Idempotent; a missing
// resource counts as success.
func (g *Gateway) RemoveFinalizer(ctx context.Context, namespace, name string) error {
	current := &cdkv1alpha1.CdkTsStack{}
	key := types.NamespacedName{Namespace: namespace, Name: name}
	if err := g.Client.Get(ctx, key, current); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !controllerutil.ContainsFinalizer(current, cdkv1alpha1.Finalizer) {
		return nil
	}
	updated := current.DeepCopy()
	controllerutil.RemoveFinalizer(updated, cdkv1alpha1.Finalizer)
	if err := g.Client.Patch(ctx, updated, client.MergeFrom(current)); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// EmitEvent records a Kubernetes Event on the resource. Event emission is
// best effort: a missing resource or recorder failure is logged and
// swallowed.
func (g *Gateway) EmitEvent(ctx context.Context, namespace, name, eventType, reason, message string) {
	if g.Recorder == nil {
		return
	}
	stack := &cdkv1alpha1.CdkTsStack{}
	key := types.NamespacedName{Namespace: namespace, Name: name}
	if err := g.Client.Get(ctx, key, stack); err != nil {
		g.Log.V(1).Info("skipping event, resource unavailable",
			"namespace", namespace, "name", name, "reason", reason, "error", err.Error())
		return
	}
	g.Recorder.Event(stack, eventType, reason, message)
}

// List returns every CdkTsStack across all namespaces. Used by the
// scheduled sweepers.
func (g *Gateway) List(ctx context.Context) ([]cdkv1alpha1.CdkTsStack, error) {
	list := &cdkv1alpha1.CdkTsStackList{}
	if err := g.Client.List(ctx, list); err != nil {
		return nil, err
	}
	return list.Items, nil
}
