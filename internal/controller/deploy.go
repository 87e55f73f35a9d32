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
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/awscreds"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/store"
)

// statusMessageLimit bounds how much tool output ends up in status.message.
const statusMessageLimit = 600

// stepDeployMachine advances the deploy state machine by one transition:
//
//	""|Failed  → Cloning      (workspace cleared)
//	Cloning    → Installing   (shallow clone at spec ref)
//	Installing → Deploying    (npm ci ok, or no package.json)
//	Deploying  → Succeeded|Failed
//
// The first three transitions each end the reconcile; the status patch
// they make triggers the watch event that drives the next step. The
// deploy itself runs in the same reconcile that enters Deploying because
// Deploying is guarded against re-entry.
func (r *CdkTsStackReconciler) stepDeployMachine(ctx context.Context, stack *cdkv1alpha1.CdkTsStack) error {
	switch stack.Status.Phase {
	case cdkv1alpha1.PhaseNone, cdkv1alpha1.PhaseFailed:
		r.clearDeployWorkspaces(stack)
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseCloning,
			Message: fmt.Sprintf("Cloning %s at %s", stack.Spec.Source.Git.Repository, stack.EffectiveRef()),
		})
	case cdkv1alpha1.PhaseCloning:
		return r.stepClone(ctx, stack)
	case cdkv1alpha1.PhaseInstalling:
		return r.stepInstall(ctx, stack)
	}
	return nil
}

// stepClone shallow-clones the repository into the deploy workspace.
func (r *CdkTsStackReconciler) stepClone(ctx context.Context, stack *cdkv1alpha1.CdkTsStack) error {
	ws := r.deployWorkspace(stack)
	// Idempotent under event redelivery: a half-finished clone is discarded.
	_ = os.RemoveAll(ws.Dir)

	result := r.cloneRepo(ctx, stack, ws)
	if result.Failed() {
		ws.Remove()
		msg := "Git clone failed"
		if result.Err != nil {
			msg = fmt.Sprintf("%s: %v", msg, result.Err)
		} else {
			msg = fmt.Sprintf("%s (exit %d): %s", msg, result.ExitCode,
				truncateOutput(result.Output, statusMessageLimit))
		}
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: msg,
		})
	}

	return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseInstalling,
		Message: "Installing dependencies",
	})
}

// stepInstall validates the project path, installs npm dependencies and
// then runs the deploy in the same reconcile.
func (r *CdkTsStackReconciler) stepInstall(ctx context.Context, stack *cdkv1alpha1.CdkTsStack) error {
	ws := r.deployWorkspace(stack)
	projectDir := ws.ProjectDir(stack)

	if _, err := os.Stat(projectDir); err != nil {
		ws.Remove()
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: fmt.Sprintf("Configured spec.path %q does not exist in the repository", stack.EffectivePath()),
		})
	}

	if result, ran := r.npmInstall(ctx, projectDir); ran && result.Failed() {
		ws.Remove()
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase: cdkv1alpha1.PhaseFailed,
			Message: fmt.Sprintf("Dependency install failed (exit %d): %s", result.ExitCode,
				truncateOutput(result.Output, statusMessageLimit)),
		})
	}

	if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseDeploying,
		Message: "Running cdk deploy",
	}); err != nil {
		return err
	}
	return r.stepDeploy(ctx, stack, ws)
}

// stepDeploy loads credentials and runs `cdk deploy`, classifying failure
// output into an operator-friendly summary. The workspace is removed on
// every path; credentials are scrubbed even on panic.
func (r *CdkTsStackReconciler) stepDeploy(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, ws *workspace) error {
	logger := log.FromContext(ctx)
	defer ws.Remove()

	creds, err := awscreds.Load(ctx, r.Client, stack.Namespace, stack.Spec.CredentialsSecretName)
	defer creds.Scrub()
	if err != nil {
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: credentialsFailureMessage(stack.Spec.CredentialsSecretName, err),
		})
	}
	creds.Export()

	env := r.cdkEnv(stack, creds)
	r.runHook(ctx, stack, cdkv1alpha1.HookBeforeDeploy, creds.Env())

	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonStackDeployStart, "Starting cdk deploy")

	result := r.cdkDeploy(ctx, stack, ws.ProjectDir(stack), env)
	if result.Failed() {
		summary := classifyDeployFailure(result)
		logger.Info("cdk deploy failed", "summary", summary, "exitCode", result.ExitCode)
		r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
			ReasonStackDeployFailure, summary)
		return r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseFailed,
			Message: summary,
		})
	}

	r.runHook(ctx, stack, cdkv1alpha1.HookAfterDeploy, creds.Env())
	if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseSucceeded,
		Message: "Stack deployed",
	}); err != nil {
		return err
	}
	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonStackDeploySuccess, "cdk deploy completed")
	return nil
}

// cdkDeploy composes and runs the deploy argument vector.
func (r *CdkTsStackReconciler) cdkDeploy(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, projectDir string, env []string) procrun.Result {
	args := append([]string{"deploy"}, stack.StackArgs()...)
	args = append(args, "--require-approval", "never")
	args = append(args, stack.ContextArgs()...)
	return r.Runner.Run(ctx, procrun.Command{
		Name:    "cdk",
		Args:    args,
		Dir:     projectDir,
		Env:     env,
		Phase:   "DEPLOY",
		Timeout: procrun.DeployTimeout,
	})
}

// credentialsFailureMessage pinpoints the credentials problem for the
// status message.
func credentialsFailureMessage(secretName string, err error) string {
	switch {
	case awscreds.IsNotFound(err):
		return fmt.Sprintf("Credentials secret %q not found", secretName)
	case awscreds.IsMalformed(err):
		return fmt.Sprintf("Credentials secret %q is malformed: %v", secretName, err)
	default:
		return fmt.Sprintf("Failed to read credentials secret %q: %v", secretName, err)
	}
}

// classifyDeployFailure maps cdk output substrings to operator-friendly
// summaries so the status message points at the actual problem instead of
// a wall of toolchain output.
func classifyDeployFailure(result procrun.Result) string {
	out := result.Output
	switch {
	case strings.Contains(out, "no credentials have been configured"):
		return "Deploy failed: credentials secret missing or invalid"
	case strings.Contains(out, "Unable to resolve AWS account"):
		return "Deploy failed: unable to resolve AWS account/caller identity"
	case strings.Contains(out, "AccessDenied"):
		return "Deploy failed: AWS permissions insufficient (AccessDenied)"
	case strings.Contains(out, "ValidationError"):
		return "Deploy failed: CloudFormation template validation error"
	case strings.Contains(out, "npm ERR") || strings.Contains(out, "dependency"):
		return "Deploy failed: dependency installation error"
	case strings.Contains(out, "Region"):
		return "Deploy failed: AWS region misconfiguration"
	case result.Err != nil:
		return fmt.Sprintf("Deploy failed: %v", result.Err)
	default:
		return fmt.Sprintf("Deploy failed with exit code %d: %s",
			result.ExitCode, truncateOutput(out, statusMessageLimit))
	}
}
