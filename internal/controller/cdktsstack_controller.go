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
	"path/filepath"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/awscreds"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/config"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/hooks"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/store"
)

// Event reasons emitted on CdkTsStack resources.
const (
	ReasonStackDeployStart     = "StackDeployStart"
	ReasonStackDeploySuccess   = "StackDeploySuccess"
	ReasonStackDeployFailure   = "StackDeployFailure"
	ReasonDriftCheckStart      = "DriftCheckStart"
	ReasonDriftDetected        = "DriftDetected"
	ReasonGitSyncCheckStart    = "GitSyncCheckStart"
	ReasonGitChangesDetected   = "GitChangesDetected"
	ReasonAutoRedeployStart    = "AutoRedeployStart"
	ReasonAutoRedeploySuccess  = "AutoRedeploySuccess"
	ReasonAutoRedeployFailure  = "AutoRedeployFailure"
	ReasonLifecycleHookStart   = "LifecycleHookStart"
	ReasonLifecycleHookSuccess = "LifecycleHookSuccess"
	ReasonLifecycleHookFailure = "LifecycleHookFailure"
	ReasonStackDestroyFailure  = "StackDestroyFailure"
)

// Status messages that double as coordination markers. The Git-sync
// sweeper parks a failed auto-redeploy in Succeeded with the
// autoRedeployFailedMessage so the event-driven reconciler leaves retry
// cadence to the sweeper.
const (
	deployDisabledMessage     = "Deploy action is disabled"
	autoRedeployFailedMessage = "Auto deployment failed - Git changes pending manual deployment"
	autoRedeployDoneMessage   = "Auto deployment from Git completed"
)

// CdkTsStackReconciler converges CdkTsStack resources: it drives each
// resource through clone, install and deploy, runs the finalizer-governed
// destruction path, and hosts the workflows invoked by the scheduled
// drift and Git-sync sweepers.
type CdkTsStackReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	Store   *store.Gateway
	Runner  procrun.Interface
	Hooks   hooks.Executor
	Metrics *metrics.Recorder
	Config  config.Config

	// WorkspaceRoot overrides /tmp, mainly for tests.
	WorkspaceRoot string
	// MaxConcurrentReconciles bounds the worker pool. Zero means 4.
	MaxConcurrentReconciles int
}

//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=awscdk.dev,resources=cdktsstacks/finalizers,verbs=update
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile handles one event for a CdkTsStack. The deploy path advances
// the phase machine one observable transition at a time; each status patch
// produces the watch event that drives the next step, so a controller
// restart resumes cleanly from status.phase.
func (r *CdkTsStackReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	stack, err := r.Store.Get(ctx, req.Namespace, req.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("CdkTsStack not found, likely deleted")
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	if stack.GetDeletionTimestamp() != nil {
		return ctrl.Result{}, r.reconcileDeletion(ctx, stack)
	}

	// Two-step finalizer dance: adding the finalizer generates the event
	// that drives actual reconciliation, and guarantees destroy is
	// attempted for every resource this controller ever touched.
	added, err := r.Store.AddFinalizer(ctx, stack.Namespace, stack.Name)
	if err != nil {
		return ctrl.Result{}, err
	}
	if added {
		logger.Info("Added finalizer")
		return ctrl.Result{}, nil
	}

	phase := stack.Status.Phase
	switch phase {
	case cdkv1alpha1.PhaseDeleting, cdkv1alpha1.PhaseDriftChecking, cdkv1alpha1.PhaseGitSyncChecking:
		// Owned phases: the subsystem that set them transitions out.
		logger.V(1).Info("Phase owned by another subsystem, skipping", "phase", phase)
		return ctrl.Result{}, nil
	case cdkv1alpha1.PhaseDeploying:
		// A deploy (event-driven or auto-redeploy) is in flight.
		logger.V(1).Info("Deploy in progress, skipping")
		return ctrl.Result{}, nil
	case cdkv1alpha1.PhaseFailed:
		// Sweeper-originated failures are retried on the sweeper's cadence
		// only; re-deploying them here would double the retry rate.
		if strings.Contains(stack.Status.Message, "Auto deployment failed") ||
			strings.Contains(stack.Status.Message, "Git sync") {
			logger.V(1).Info("Sweeper-owned failure, leaving retry to the sweeper")
			return ctrl.Result{}, nil
		}
	case cdkv1alpha1.PhaseNone, cdkv1alpha1.PhaseCloning, cdkv1alpha1.PhaseInstalling:
	case cdkv1alpha1.PhaseSucceeded:
		// Steady state; redelivered events are no-ops.
		return ctrl.Result{}, nil
	default:
		logger.Info("Unknown phase, skipping", "phase", phase)
		return ctrl.Result{}, nil
	}

	if !stack.DeployEnabled() {
		if phase == cdkv1alpha1.PhaseNone {
			return ctrl.Result{}, r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
				Phase:   cdkv1alpha1.PhaseFailed,
				Message: deployDisabledMessage,
			})
		}
		return ctrl.Result{}, nil
	}

	return ctrl.Result{}, r.stepDeployMachine(ctx, stack)
}

// reconcileDeletion runs the finalizer-governed destruction path. The
// finalizer is removed whether or not destroy succeeds: a stack that
// cannot be destroyed is reported, but never pins the Kubernetes object.
func (r *CdkTsStackReconciler) reconcileDeletion(ctx context.Context, stack *cdkv1alpha1.CdkTsStack) error {
	logger := log.FromContext(ctx)

	hasFinalizer := false
	for _, f := range stack.Finalizers {
		if f == cdkv1alpha1.Finalizer {
			hasFinalizer = true
			break
		}
	}
	if !hasFinalizer {
		logger.V(1).Info("No controller finalizer, nothing to do")
		return nil
	}

	if !stack.DestroyEnabled() {
		logger.Info("Destroy action disabled, orphaning AWS stack")
		if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
			Phase:   cdkv1alpha1.PhaseDeleting,
			Message: "Destroy action is disabled; AWS stack left in place",
		}); err != nil {
			return err
		}
		return r.Store.RemoveFinalizer(ctx, stack.Namespace, stack.Name)
	}

	if err := r.Store.PatchStatus(ctx, stack.Namespace, stack.Name, store.StatusPatch{
		Phase:   cdkv1alpha1.PhaseDeleting,
		Message: "Destroying AWS stack",
	}); err != nil {
		return err
	}

	creds, err := awscreds.Load(ctx, r.Client, stack.Namespace, stack.Spec.CredentialsSecretName)
	defer creds.Scrub()
	if err != nil {
		logger.Error(err, "Cannot load credentials for destroy, removing finalizer anyway")
		r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
			ReasonStackDestroyFailure, fmt.Sprintf("Destroy skipped: %v", err))
		return r.Store.RemoveFinalizer(ctx, stack.Namespace, stack.Name)
	}
	creds.Export()

	if err := r.runDestroy(ctx, stack, creds); err != nil {
		logger.Error(err, "Destroy failed; removing finalizer regardless")
		r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
			ReasonStackDestroyFailure, fmt.Sprintf("cdk destroy failed: %v", err))
	}
	return r.Store.RemoveFinalizer(ctx, stack.Namespace, stack.Name)
}

// ────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ────────────────────────────────────────────────────────────────────────────

// buildCloneEnv assembles the environment for git clone: a stable identity,
// no terminal prompts and, for private repositories, an SSH command wired
// to the key from the referenced ssh-auth Secret.
func (r *CdkTsStackReconciler) buildCloneEnv(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, ws *workspace) ([]string, error) {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		"GIT_AUTHOR_NAME=cdk-ts-stack-operator",
		"GIT_AUTHOR_EMAIL=operator@awscdk.dev",
		"GIT_COMMITTER_NAME=cdk-ts-stack-operator",
		"GIT_COMMITTER_EMAIL=operator@awscdk.dev",
	}

	sshSecret := stack.Spec.Source.Git.SSHSecretName
	if sshSecret == "" {
		return env, nil
	}

	secret := &corev1.Secret{}
	key := types.NamespacedName{Namespace: stack.Namespace, Name: sshSecret}
	if err := r.Client.Get(ctx, key, secret); err != nil {
		return nil, fmt.Errorf("reading SSH secret %q: %w", sshSecret, err)
	}
	privateKey, ok := secret.Data["ssh-privatekey"]
	if !ok {
		return nil, fmt.Errorf("SSH secret %q is missing ssh-privatekey", sshSecret)
	}

	keyPath := ws.Dir + ".ssh-key"
	if err := os.WriteFile(keyPath, privateKey, 0o600); err != nil {
		return nil, fmt.Errorf("writing SSH key: %w", err)
	}
	ws.sshKeyPath = keyPath
	env = append(env, fmt.Sprintf(
		"GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", keyPath))
	return env, nil
}

// cloneRepo shallow-clones the configured ref into the workspace.
func (r *CdkTsStackReconciler) cloneRepo(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, ws *workspace) procrun.Result {
	env, err := r.buildCloneEnv(ctx, stack, ws)
	if err != nil {
		return procrun.Result{Err: err}
	}
	return r.Runner.Run(ctx, procrun.Command{
		Name: "git",
		Args: []string{"clone", "--depth", "1",
			"--branch", stack.EffectiveRef(),
			stack.Spec.Source.Git.Repository, ws.Dir},
		Env:   env,
		Phase: "CLONE",
	})
}

// npmInstall runs `npm ci` in the project directory when a package.json
// is present. Returns a zero Result when there was nothing to install.
func (r *CdkTsStackReconciler) npmInstall(ctx context.Context, projectDir string) (procrun.Result, bool) {
	if _, err := os.Stat(filepath.Join(projectDir, "package.json")); err != nil {
		return procrun.Result{}, false
	}
	result := r.Runner.Run(ctx, procrun.Command{
		Name:  "npm",
		Args:  []string{"ci", "--no-audit", "--no-fund"},
		Dir:   projectDir,
		Env:   r.nodeEnv(),
		Phase: "INSTALL",
	})
	return result, true
}

// nodeEnv is the overlay shared by npm and cdk invocations.
func (r *CdkTsStackReconciler) nodeEnv() []string {
	var env []string
	if r.Config.NodeOptions != "" {
		env = append(env, "NODE_OPTIONS="+r.Config.NodeOptions)
	}
	return env
}

// regionFor resolves the region for a resource: spec.awsRegion, then the
// operator-wide CDK_DEFAULT_REGION, then the API default.
func (r *CdkTsStackReconciler) regionFor(stack *cdkv1alpha1.CdkTsStack) string {
	if stack.Spec.AWSRegion == "" && r.Config.CDKDefaultRegion != "" {
		return r.Config.CDKDefaultRegion
	}
	return stack.EffectiveRegion()
}

// cdkEnv composes the full environment for a CDK invocation: account and
// region variables mirroring what the CDK toolchain expects, plus the AWS
// credential overlay.
func (r *CdkTsStackReconciler) cdkEnv(stack *cdkv1alpha1.CdkTsStack, creds *awscreds.Credentials) []string {
	region := r.regionFor(stack)
	env := append(r.nodeEnv(),
		"AWS_REGION="+region,
		"AWS_DEFAULT_REGION="+region,
		"CDK_DEFAULT_REGION="+region,
	)
	if acct := r.Config.CDKDefaultAccount; acct != "" {
		env = append(env,
			"CDK_DEFAULT_ACCOUNT="+acct,
			"AWS_ACCOUNT_ID="+acct,
			"AWS_ACCOUNT="+acct,
		)
	}
	return append(env, creds.Env()...)
}

// hookEnv builds the lifecycle hook environment contract for a resource.
func (r *CdkTsStackReconciler) hookEnv(stack *cdkv1alpha1.CdkTsStack, extra []string) hooks.Env {
	return hooks.Env{
		StackName:     stack.Spec.StackName,
		Namespace:     stack.Namespace,
		ResourceName:  stack.Name,
		Region:        r.regionFor(stack),
		ProjectPath:   stack.EffectivePath(),
		GitRepository: stack.Spec.Source.Git.Repository,
		GitRef:        stack.EffectiveRef(),
		Extra:         extra,
	}
}

// runHook executes a lifecycle hook and applies the non-fatal failure
// policy: a failing hook is logged and eventized, never propagated.
func (r *CdkTsStackReconciler) runHook(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, name cdkv1alpha1.HookName, extra []string) {
	script := stack.Spec.LifecycleHooks.Script(name)
	if script == "" {
		return
	}
	logger := log.FromContext(ctx)

	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonLifecycleHookStart, fmt.Sprintf("Running %s hook", name))
	if err := r.Hooks.Run(ctx, name, script, r.hookEnv(stack, extra)); err != nil {
		logger.Error(err, "Lifecycle hook failed, continuing", "hook", name)
		r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
			ReasonLifecycleHookFailure, fmt.Sprintf("Hook %s failed: %v", name, err))
		return
	}
	r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeNormal,
		ReasonLifecycleHookSuccess, fmt.Sprintf("Hook %s completed", name))
}

// metricLabels renders the label set attached to every metric record.
func (r *CdkTsStackReconciler) metricLabels(stack *cdkv1alpha1.CdkTsStack) metrics.Labels {
	return metrics.Labels{
		Namespace:    stack.Namespace,
		ResourceName: stack.Name,
		AWSRegion:    r.regionFor(stack),
		StackName:    stack.Spec.StackName,
	}
}

// truncateOutput bounds tool output for inclusion in a status message.
func truncateOutput(output string, max int) string {
	output = strings.TrimSpace(output)
	if len(output) <= max {
		return output
	}
	return "..." + output[len(output)-max:]
}

// boolPtr is a convenience for StatusPatch fields.
func boolPtr(v bool) *bool {
	return &v
}

// SetupWithManager sets up the controller with the Manager. Distinct
// resources reconcile in parallel on a bounded worker pool; the workqueue
// guarantees at most one in-flight reconcile per (namespace, name).
func (r *CdkTsStackReconciler) SetupWithManager(mgr ctrl.Manager) error {
	workers := r.MaxConcurrentReconciles
	if workers == 0 {
		workers = 4
	}
	return ctrl.NewControllerManagedBy(mgr).
		For(&cdkv1alpha1.CdkTsStack{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: workers}).
		Complete(r)
}
