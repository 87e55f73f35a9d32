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

// Package procrun provides uniform invocation of the external tools the
// operator depends on: git, npm, the CDK CLI and user-supplied hook
// scripts. Commands run in their own process group so that killing a
// cdk invocation also kills the node/npm processes it spawned.
package procrun

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// Default deadlines for the external tools. cdk deploy can legitimately
// take tens of minutes on large stacks.
const (
	DefaultTimeout = 10 * time.Minute
	DeployTimeout  = 30 * time.Minute

	// DefaultGracePeriod is how long a process group gets between SIGTERM
	// and SIGKILL on cancellation.
	DefaultGracePeriod = 10 * time.Second
)

// Command describes a single external invocation.
type Command struct {
	// Name is the executable, e.g. "git", "npm", "cdk", "bash".
	Name string
	// Args is the argument vector (without the executable).
	Args []string
	// Dir is the working directory. Empty means the operator's cwd.
	Dir string
	// Env is an environment overlay appended to the operator's environment.
	Env []string
	// Phase labels the output markers, e.g. "CLONE", "DEPLOY", "DRIFT".
	Phase string
	// Timeout bounds the invocation. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Result is the outcome of a Command. A non-zero exit is not an error:
// Err is set only when the process could not be started or was cut short
// by cancellation.
type Result struct {
	Output   string
	ExitCode int
	Err      error
}

// Failed reports whether the command either errored or exited non-zero.
func (r Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// Interface runs external commands. The engine depends on this rather
// than on Runner directly so tests can substitute a fake.
type Interface interface {
	Run(ctx context.Context, cmd Command) Result
}

// Runner is the production Interface implementation.
type Runner struct {
	Log logr.Logger
	// GracePeriod between SIGTERM and SIGKILL. Zero means DefaultGracePeriod.
	GracePeriod time.Duration
}

var _ Interface = (*Runner)(nil)

// syncWriter serializes writes from the child's stdout and stderr pipes
// into one merged buffer.
type syncWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// Run executes the command, captures merged stdout+stderr and returns the
// exit code verbatim. Cancellation sends SIGTERM to the process group and
// escalates to SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, cmd Command) Result {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmdline := shellquote.Join(append([]string{cmd.Name}, cmd.Args...)...)
	r.Log.Info("running command", "phase", cmd.Phase, "cmd", cmdline, "dir", cmd.Dir)

	out := &syncWriter{}
	proc := exec.Command(cmd.Name, cmd.Args...)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Stdout = out
	proc.Stderr = out
	// Own process group so descendants (node, npm) die with the parent.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := proc.Start(); err != nil {
		return Result{Err: errors.Wrapf(err, "starting %s", cmd.Name)}
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	var waitErr error
	var cancelled bool
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		cancelled = true
		waitErr = r.killGroup(proc.Process.Pid, done)
	}

	result := Result{Output: out.String()}
	r.logOutput(cmd.Phase, result.Output)

	if cancelled {
		result.ExitCode = -1
		result.Err = errors.Wrapf(ctx.Err(), "%s cancelled", cmd.Name)
		return result
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.Err = errors.Wrapf(waitErr, "waiting for %s", cmd.Name)
		return result
	}
	return result
}

// killGroup delivers SIGTERM to the process group, then SIGKILL after the
// grace period if the group has not exited. Returns the Wait error once
// the process is reaped.
func (r *Runner) killGroup(pid int, done <-chan error) error {
	grace := r.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return <-done
	}
}

// logOutput emits the captured output between delimiting markers so the
// phases are easy to find in the operator log.
func (r *Runner) logOutput(phase, output string) {
	if phase == "" {
		phase = "COMMAND"
	}
	r.Log.Info("=== " + phase + " OUTPUT START ===")
	if output != "" {
		r.Log.Info(output)
	}
	r.Log.Info("=== " + phase + " OUTPUT END ===")
}
