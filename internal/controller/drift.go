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

package controller

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/awscreds"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/store"
)

// runDriftCheck performs one drift check for a resource, holding the
// DriftChecking owned phase for its duration. Detected drift is reported
// via status, event and metrics; AWS resources are never mutated.
func (r *CdkTsStackReconciler) runDriftCheck(ctx context.Context, namespace, name string) error {
	logger := log.FromContext(ctx).WithValues("namespace", namespace, "name", name)

	// Re-read under the phase lock: an event reconcile or deletion may
	// have moved the resource since the sweep listed it.
	stack, err := r.Store.Get(ctx, namespace, name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if stack.Status.Phase != cdkv1alpha1.PhaseSucceeded || stack.GetDeletionTimestamp() != nil {
		logger.V(1).Info("Skipping drift check", "phase", stack.Status.Phase)
		return nil
	}

	if err := r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseDriftChecking,
		Message: "Checking for infrastructure drift",
	}); err != nil {
		return err
	}
	r.Store.EmitEvent(ctx, namespace, name, corev1.EventTypeNormal,
		ReasonDriftCheckStart, "Starting drift check")

	creds, err := awscreds.Load(ctx, r.Client, namespace, stack.Spec.CredentialsSecretName)
	defer creds.Scrub()
	if err != nil {
		return r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: "Drift check: " + credentialsFailureMessage(stack.Spec.CredentialsSecretName, err),
		})
	}
	creds.Export()

	ws, failMsg := r.prepareScratch(ctx, stack, "drift", true)
	if ws == nil {
		return r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: "Drift check preparation failed: " + failMsg,
		})
	}
	defer ws.Remove()

	r.runHook(ctx, stack, cdkv1alpha1.HookBeforeDriftDetection, creds.Env())

	args := append([]string{"drift", "--fail"}, stack.StackArgs()...)
	args = append(args, stack.ContextArgs()...)
	result := r.Runner.Run(ctx, procrun.Command{
		Name:  "cdk",
		Args:  args,
		Dir:   ws.ProjectDir(stack),
		Env:   r.cdkEnv(stack, creds),
		Phase: "DRIFT",
	})

	// `cdk drift --fail` exits 1 both for detected drift and for command
	// failure; only output mentioning drift counts as a detection.
	drifted := result.ExitCode != 0 && strings.Contains(strings.ToLower(result.Output), "drift")

	now := metav1.Now()
	message := "No drift detected"
	if drifted {
		message = "Infrastructure drift detected"
	}
	if err := r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
		Phase:          cdkv1alpha1.PhaseSucceeded,
		Message:        message,
		DriftDetected:  boolPtr(drifted),
		LastDriftCheck: &now,
	}); err != nil {
		return err
	}
	if drifted {
		r.Store.EmitEvent(ctx, namespace, name, corev1.EventTypeWarning,
			ReasonDriftDetected, "AWS resources have drifted from the CDK template")
	}

	r.runHook(ctx, stack, cdkv1alpha1.HookAfterDriftDetection,
		append(creds.Env(), fmt.Sprintf("DRIFT_DETECTED=%t", drifted)))

	labels := r.metricLabels(stack)
	r.Metrics.CounterAdd("drift_checks_total", 1, labels)
	gauge := 0.0
	if drifted {
		gauge = 1.0
		r.Metrics.CounterAdd("drifts_detected_total", 1, labels)
	}
	r.Metrics.GaugeSet("drift_status", gauge, labels, metrics.GroupDriftStatus)

	logger.Info("Drift check completed", "driftDetected", drifted)
	return nil
}
