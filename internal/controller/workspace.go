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

	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
)

// defaultWorkspaceRoot is where per-operation clone directories live.
const defaultWorkspaceRoot = "/tmp"

// workspace is an ephemeral directory holding a shallow clone and, after
// install, node_modules. It is owned exclusively by the operation that
// created it and removed on every exit path.
type workspace struct {
	// Dir is the clone target.
	Dir string
	// sshKeyPath is set when clone auth needed a materialized private key.
	sshKeyPath string
}

// ProjectDir returns the CDK project directory inside the clone.
func (w *workspace) ProjectDir(stack *cdkv1alpha1.CdkTsStack) string {
	return filepath.Join(w.Dir, stack.EffectivePath())
}

// Remove deletes the clone and any materialized SSH key. Safe on nil.
func (w *workspace) Remove() {
	if w == nil {
		return
	}
	if w.sshKeyPath != "" {
		_ = os.Remove(w.sshKeyPath)
	}
	_ = os.RemoveAll(w.Dir)
}

// workspaceResource renders the {resource} segment of a workspace name.
func workspaceResource(stack *cdkv1alpha1.CdkTsStack) string {
	return fmt.Sprintf("%s-%s", stack.Namespace, stack.Name)
}

// deployWorkspace returns the deploy path for a resource. The suffix is
// derived from the object UID so the clone survives across the reconcile
// steps of the deploy state machine (clone, install and deploy each run
// in their own reconcile).
func (r *CdkTsStackReconciler) deployWorkspace(stack *cdkv1alpha1.CdkTsStack) *workspace {
	unique := string(stack.UID)
	if len(unique) > 8 {
		unique = unique[:8]
	}
	if unique == "" {
		unique = "nouid"
	}
	dir := filepath.Join(r.workspaceRoot(),
		fmt.Sprintf("cdk-deploy-%s-%s", workspaceResource(stack), unique))
	return &workspace{Dir: dir}
}

// scratchWorkspace returns a fresh single-use path for sweeper and destroy
// operations.
func (r *CdkTsStackReconciler) scratchWorkspace(kind string, stack *cdkv1alpha1.CdkTsStack) *workspace {
	dir := filepath.Join(r.workspaceRoot(),
		fmt.Sprintf("cdk-%s-%s-%s", kind, workspaceResource(stack), uuid.NewString()[:8]))
	return &workspace{Dir: dir}
}

// clearDeployWorkspaces removes every prior deploy workspace for the
// resource, including leftovers from before a controller restart.
func (r *CdkTsStackReconciler) clearDeployWorkspaces(stack *cdkv1alpha1.CdkTsStack) {
	pattern := filepath.Join(r.workspaceRoot(),
		fmt.Sprintf("cdk-deploy-%s-*", workspaceResource(stack)))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, m := range matches {
		_ = os.RemoveAll(m)
	}
}

func (r *CdkTsStackReconciler) workspaceRoot() string {
	if r.WorkspaceRoot != "" {
		return r.WorkspaceRoot
	}
	return defaultWorkspaceRoot
}

// prepareScratch builds a single-use workspace for a sweeper or destroy
// operation: clone, path validation and dependency install in one shot.
// It returns the workspace and an empty message on success, or a failure
// message describing what went wrong; the workspace is already cleaned up
// on failure. When installRequired is false an npm failure is tolerated
// (destroy is attempted with whatever is there).
func (r *CdkTsStackReconciler) prepareScratch(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, kind string, installRequired bool) (*workspace, string) {
	logger := log.FromContext(ctx)
	ws := r.scratchWorkspace(kind, stack)

	if result := r.cloneRepo(ctx, stack, ws); result.Failed() {
		ws.Remove()
		if result.Err != nil {
			return nil, fmt.Sprintf("Git clone failed: %v", result.Err)
		}
		return nil, fmt.Sprintf("Git clone failed (exit %d): %s",
			result.ExitCode, truncateOutput(result.Output, statusMessageLimit))
	}

	projectDir := ws.ProjectDir(stack)
	if _, err := os.Stat(projectDir); err != nil {
		ws.Remove()
		return nil, fmt.Sprintf("Configured spec.path %q does not exist in the repository", stack.EffectivePath())
	}

	if result, ran := r.npmInstall(ctx, projectDir); ran && result.Failed() {
		if installRequired {
			ws.Remove()
			return nil, fmt.Sprintf("Dependency install failed (exit %d): %s",
				result.ExitCode, truncateOutput(result.Output, statusMessageLimit))
		}
		logger.Info("npm ci failed, continuing anyway", "kind", kind, "exitCode", result.ExitCode)
	}
	return ws, ""
}
