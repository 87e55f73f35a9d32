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

	"github.com/pkg/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/awscreds"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
)

// runDestroy tears down the AWS stack before the Kubernetes object goes
// away. It is single-shot rather than state-machined: the object is
// leaving, so there is nothing to resume. A missing project path or a
// failed install does not abort — destroy is attempted with whatever the
// clone provides, and the caller removes the finalizer regardless of the
// outcome.
func (r *CdkTsStackReconciler) runDestroy(ctx context.Context, stack *cdkv1alpha1.CdkTsStack, creds *awscreds.Credentials) error {
	logger := log.FromContext(ctx)

	ws, failMsg := r.prepareScratch(ctx, stack, "destroy", false)
	if ws == nil {
		// Nothing usable to destroy with; the AWS stack stays as-is.
		logger.Info("Skipping destroy, workspace preparation failed", "reason", failMsg)
		return errors.New(failMsg)
	}
	defer ws.Remove()

	r.runHook(ctx, stack, cdkv1alpha1.HookBeforeDestroy, creds.Env())

	args := append([]string{"destroy"}, stack.StackArgs()...)
	args = append(args, "--force")
	args = append(args, stack.ContextArgs()...)
	result := r.Runner.Run(ctx, procrun.Command{
		Name:    "cdk",
		Args:    args,
		Dir:     ws.ProjectDir(stack),
		Env:     r.cdkEnv(stack, creds),
		Phase:   "DESTROY",
		Timeout: procrun.DeployTimeout,
	})

	r.runHook(ctx, stack, cdkv1alpha1.HookAfterDestroy, creds.Env())

	if result.Failed() {
		if result.Err != nil {
			return errors.Wrap(result.Err, "cdk destroy")
		}
		return fmt.Errorf("cdk destroy exited with code %d: %s",
			result.ExitCode, truncateOutput(result.Output, statusMessageLimit))
	}
	logger.Info("cdk destroy completed")
	return nil
}
