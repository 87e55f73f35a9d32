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

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/awscreds"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/store"
)

// runGitSyncCheck compares the live stack against the current Git head,
// holding the GitSyncChecking owned phase. With autoRedeploy enabled a
// pending change is deployed from the freshly cloned workspace; otherwise
// the check is report-only.
func (r *CdkTsStackReconciler) runGitSyncCheck(ctx context.Context, namespace, name string) error {
	logger := log.FromContext(ctx).WithValues("namespace", namespace, "name", name)

	stack, err := r.Store.Get(ctx, namespace, name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if stack.Status.Phase != cdkv1alpha1.PhaseSucceeded || stack.GetDeletionTimestamp() != nil {
		logger.V(1).Info("Skipping git sync check", "phase", stack.Status.Phase)
		return nil
	}
	if !stack.DeployEnabled() {
		logger.V(1).Info("Skipping git sync check, deploy action disabled")
		return nil
	}

	if err := r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseGitSyncChecking,
		Message: "Checking Git repository for changes",
	}); err != nil {
		return err
	}
	r.Store.EmitEvent(ctx, namespace, name, corev1.EventTypeNormal,
		ReasonGitSyncCheckStart, "Starting git sync check")

	creds, err := awscreds.Load(ctx, r.Client, namespace, stack.Spec.CredentialsSecretName)
	defer creds.Scrub()
	if err != nil {
		return r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: "Git sync check: " + credentialsFailureMessage(stack.Spec.CredentialsSecretName, err),
		})
	}
	creds.Export()

	ws, failMsg := r.prepareScratch(ctx, stack, "gitsync", true)
	if ws == nil {
		return r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: "Git sync check preparation failed: " + failMsg,
		})
	}
	defer ws.Remove()

	r.runHook(ctx, stack, cdkv1alpha1.HookBeforeGitSync, creds.Env())

	args := append([]string{"diff", "--fail"}, stack.StackArgs()...)
	args = append(args, stack.ContextArgs()...)
	result := r.Runner.Run(ctx, procrun.Command{
		Name:  "cdk",
		Args:  args,
		Dir:   ws.ProjectDir(stack),
		Env:   r.cdkEnv(stack, creds),
		Phase: "GIT-SYNC",
	})

	// `cdk diff --fail` exits 1 when the cloned template differs from the
	// deployed stack. Other failures are treated as clean to keep the
	// sweep report-only on toolchain trouble.
	changes := result.ExitCode == 1

	labels := r.metricLabels(stack)
	gauge := 0.0
	if changes {
		gauge = 1.0
		r.Metrics.CounterAdd("git_changes_detected_total", 1, labels)
	}
	r.Metrics.GaugeSet("git_sync_pending", gauge, labels, metrics.GroupGitSyncStatus)

	var syncErr error
	if changes {
		r.Store.EmitEvent(ctx, namespace, name, corev1.EventTypeNormal,
			ReasonGitChangesDetected, "Git repository has undeployed changes")
		syncErr = r.handlePendingChanges(ctx, stack, ws, creds)
	} else {
		syncErr = r.Store.PatchStatus(ctx, namespace, name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseSucceeded,
			Message: "Stack is in sync with Git",
		})
	}

	r.runHook(ctx, stack, cdkv1alpha1.HookAfterGitSync,
		append(creds.Env(), fmt.Sprintf("GIT_CHANGES_DETECTED=%t", changes)))

	logger.Info("Git sync check completed", "changesDetected", changes)
	return syncErr
}

// handlePendingChanges either redeploys the cloned head or parks the
// resource with a marker message that keeps event reconciles away until
// the next sweep or a spec change.
func (r *CdkTsStackReconciler) handlePendingChanges(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, ws *workspace, creds *awscreds.Credentials) error {
	logger := log.FromContext(ctx)

	if !stack.AutoRedeployEnabled() {
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseSucceeded,
			Message: "Git changes pending manual deployment",
		})
	}

	if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseDeploying,
		Message: "Auto deploying Git changes",
	}); err != nil {
		return err
	}
	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonAutoRedeployStart, "Starting automatic deployment of Git changes")

	result := r.cdkDeploy(ctx, stack, ws.ProjectDir(stack), r.cdkEnv(stack, creds))
	if result.Failed() {
		summary := classifyDeployFailure(result)
		logger.Info("Auto redeploy failed", "summary", summary, "exitCode", result.ExitCode)
		r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
			ReasonAutoRedeployFailure, summary)
		// Parked in Succeeded with the marker so only the next sweep
		// retries; a Failed phase would put the event path in a deploy
		// loop against a broken head.
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseSucceeded,
			Message: autoRedeployFailedMessage,
		})
	}

	r.Metrics.CounterAdd("auto_redeploys_total", 1, r.metricLabels(stack))
	if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseSucceeded,
		Message: autoRedeployDoneMessage,
	}); err != nil {
		return err
	}
	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonAutoRedeploySuccess, "Automatic deployment of Git changes completed")
	return nil
}
