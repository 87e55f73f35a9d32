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

// Package hooks executes user-supplied lifecycle hook scripts with a
// documented environment contract. Hooks are user-owned code: the engine
// treats a hook failure as a warning, never as a reason to abort the
// surrounding operation.
package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
)

// DefaultTimeout bounds a single hook script.
const DefaultTimeout = 10 * time.Minute

// Env is the environment contract exported to every hook script.
type Env struct {
	StackName     string
	Namespace     string
	ResourceName  string
	Region        string
	ProjectPath   string
	GitRepository string
	GitRef        string

	// Extra carries conditional entries (DRIFT_DETECTED,
	// GIT_CHANGES_DETECTED) and the AWS credential overlay.
	Extra []string
}

// vars renders the contract for a given hook name.
func (e Env) vars(name cdkv1alpha1.HookName) []string {
	env := []string{
		fmt.Sprintf("CDK_STACK_NAME=%s", e.StackName),
		fmt.Sprintf("CDK_STACK_NAMESPACE=%s", e.Namespace),
		fmt.Sprintf("CDK_STACK_RESOURCE_NAME=%s", e.ResourceName),
		fmt.Sprintf("CDK_STACK_REGION=%s", e.Region),
		fmt.Sprintf("CDK_OPERATION=%s", name),
		fmt.Sprintf("CDK_PROJECT_PATH=%s", e.ProjectPath),
		fmt.Sprintf("CDK_GIT_REPOSITORY=%s", e.GitRepository),
		fmt.Sprintf("CDK_GIT_REF=%s", e.GitRef),
	}
	return append(env, e.Extra...)
}

// Executor runs one lifecycle hook. Implementations must return an error
// on non-zero exit; deciding that the error is non-fatal is the caller's
// job.
type Executor interface {
	Run(ctx context.Context, name cdkv1alpha1.HookName, script string, env Env) error
}

// ShellExecutor materializes the script body into a temp file and runs it
// under bash with errexit, nounset and pipefail.
type ShellExecutor struct {
	Runner  procrun.Interface
	Timeout time.Duration
}

var _ Executor = (*ShellExecutor)(nil)

// Run executes the hook script. An empty script is a no-op.
func (e *ShellExecutor) Run(ctx context.Context, name cdkv1alpha1.HookName, script string, env Env) error {
	if script == "" {
		return nil
	}

	dir, err := os.MkdirTemp("", "cdk-hook-")
	if err != nil {
		return errors.Wrap(err, "creating hook script dir")
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, string(name)+".sh")
	body := "#!/bin/bash\nset -euo pipefail\n\n" + script + "\n"
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		return errors.Wrap(err, "writing hook script")
	}

	timeout := e.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	result := e.Runner.Run(ctx, procrun.Command{
		Name:    "bash",
		Args:    []string{path},
		Env:     env.vars(name),
		Phase:   "HOOK " + string(name),
		Timeout: timeout,
	})
	if result.Err != nil {
		return errors.Wrapf(result.Err, "hook %s", name)
	}
	if result.ExitCode != 0 {
		return errors.Errorf("hook %s exited with code %d", name, result.ExitCode)
	}
	return nil
}
