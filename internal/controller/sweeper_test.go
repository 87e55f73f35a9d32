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
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
)

// withMetrics wires a real line-JSON recorder into the harness and returns
// the path it writes to.
func withMetrics(h *testHarness) string {
	path := filepath.Join(GinkgoT().TempDir(), "metrics.jsonl")
	recorder, err := metrics.Open(path, "", logr.Discard())
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = recorder.Close() })
	h.reconciler.Metrics = recorder
	return path
}

func metricLines(path string) []map[string]any {
	f, err := os.Open(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		Expect(json.Unmarshal(scanner.Bytes(), &m)).To(Succeed())
		lines = append(lines, m)
	}
	Expect(scanner.Err()).NotTo(HaveOccurred())
	return lines
}

func metricNamed(lines []map[string]any, name string) (map[string]any, bool) {
	for _, line := range lines {
		if line["name"] == name {
			return line, true
		}
	}
	return nil, false
}

var _ = Describe("Drift checking", func() {

	It("skips resources that are not in Succeeded", func() {
		h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseFailed, "Deploy failed")), testCredsSecret())

		Expect(h.reconciler.runDriftCheck(context.Background(), "infra", "nw")).To(Succeed())

		Expect(h.runner.commandLines()).To(BeEmpty())
		Expect(h.stack("infra", "nw").Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
	})

	It("records detected drift in status, events and metrics", func() {
		h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed")), testCredsSecret())
		path := withMetrics(h)
		h.runner.set("cdk drift", procrun.Result{
			ExitCode: 1,
			Output:   "Stack nw-prod: drift detected on AWS::S3::Bucket",
		})

		Expect(h.reconciler.runDriftCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(stack.Status.DriftDetected).To(BeTrue())
		Expect(stack.Status.LastDriftCheck).NotTo(BeNil())
		Expect(stack.Status.Message).To(ContainSubstring("drift detected"))
		Expect(hasEvent(h.drainEvents(), ReasonDriftDetected)).To(BeTrue())
		Expect(h.runner.calledWith("cdk drift --fail nw-prod")).To(BeTrue())

		lines := metricLines(path)
		_, found := metricNamed(lines, "cdktsstack_drift_checks_total")
		Expect(found).To(BeTrue())
		_, found = metricNamed(lines, "cdktsstack_drifts_detected_total")
		Expect(found).To(BeTrue())
		gauge, found := metricNamed(lines, "cdktsstack_drift_status")
		Expect(found).To(BeTrue())
		Expect(gauge["value"]).To(Equal(1.0))
		Expect(gauge["group"]).To(Equal(metrics.GroupDriftStatus))
	})

	It("clears the drift flag on a clean check", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Status.DriftDetected = true
		}), testCredsSecret())
		path := withMetrics(h)

		Expect(h.reconciler.runDriftCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.DriftDetected).To(BeFalse())
		Expect(stack.Status.Message).To(Equal("No drift detected"))

		gauge, found := metricNamed(metricLines(path), "cdktsstack_drift_status")
		Expect(found).To(BeTrue())
		Expect(gauge["value"]).To(Equal(0.0))
	})

	It("treats a failing command without drift output as clean", func() {
		h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed")), testCredsSecret())
		h.runner.set("cdk drift", procrun.Result{ExitCode: 1, Output: "connection timed out"})

		Expect(h.reconciler.runDriftCheck(context.Background(), "infra", "nw")).To(Succeed())

		Expect(h.stack("infra", "nw").Status.DriftDetected).To(BeFalse())
	})

	It("passes the detection outcome to the after hook", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.LifecycleHooks = &cdkv1alpha1.LifecycleHooks{
				AfterDriftDetection: "notify-drift",
			}
		}), testCredsSecret())
		h.runner.set("cdk drift", procrun.Result{ExitCode: 1, Output: "drift detected"})

		Expect(h.reconciler.runDriftCheck(context.Background(), "infra", "nw")).To(Succeed())

		env, ok := h.hooks.envFor(cdkv1alpha1.HookAfterDriftDetection)
		Expect(ok).To(BeTrue())
		Expect(env.Extra).To(ContainElement("DRIFT_DETECTED=true"))
	})
})

var _ = Describe("Git sync checking", func() {

	It("patches back to Succeeded when the stack is in sync", func() {
		h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed")), testCredsSecret())

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(stack.Status.Message).To(Equal("Stack is in sync with Git"))
		Expect(h.runner.calledWith("cdk diff --fail nw-prod")).To(BeTrue())
		Expect(h.runner.calledWith("cdk deploy")).To(BeFalse())
	})

	It("reports pending changes without redeploying by default", func() {
		h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed")), testCredsSecret())
		path := withMetrics(h)
		h.runner.set("cdk diff", procrun.Result{ExitCode: 1, Output: "Resources\n[~] AWS::S3::Bucket"})

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(stack.Status.Message).To(Equal("Git changes pending manual deployment"))
		Expect(h.runner.calledWith("cdk deploy")).To(BeFalse())
		Expect(hasEvent(h.drainEvents(), ReasonGitChangesDetected)).To(BeTrue())

		lines := metricLines(path)
		_, found := metricNamed(lines, "cdktsstack_git_changes_detected_total")
		Expect(found).To(BeTrue())
		gauge, found := metricNamed(lines, "cdktsstack_git_sync_pending")
		Expect(found).To(BeTrue())
		Expect(gauge["value"]).To(Equal(1.0))
		Expect(gauge["group"]).To(Equal(metrics.GroupGitSyncStatus))
	})

	It("redeploys pending changes when autoRedeploy is enabled", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.Actions.AutoRedeploy = boolPtr(true)
		}), testCredsSecret())
		h.runner.set("cdk diff", procrun.Result{ExitCode: 1, Output: "[~] changed"})

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(stack.Status.Message).To(Equal(autoRedeployDoneMessage))
		Expect(stack.Status.LastDeploy).NotTo(BeNil())
		Expect(h.runner.calledWith("cdk deploy nw-prod --require-approval never")).To(BeTrue())
		events := h.drainEvents()
		Expect(hasEvent(events, ReasonAutoRedeployStart)).To(BeTrue())
		Expect(hasEvent(events, ReasonAutoRedeploySuccess)).To(BeTrue())
	})

	It("parks a failed auto redeploy for the next sweep", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.Actions.AutoRedeploy = boolPtr(true)
		}), testCredsSecret())
		h.runner.set("cdk diff", procrun.Result{ExitCode: 1, Output: "[~] changed"})
		h.runner.set("cdk deploy", procrun.Result{ExitCode: 1, Output: "ValidationError: template invalid"})

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		stack := h.stack("infra", "nw")
		Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(stack.Status.Message).To(Equal(autoRedeployFailedMessage))
		Expect(hasEvent(h.drainEvents(), ReasonAutoRedeployFailure)).To(BeTrue())

		By("leaving retries to the sweeper, not the event path")
		Expect(h.reconcile("infra", "nw")).To(Succeed())
		Expect(h.stack("infra", "nw").Status.Message).To(Equal(autoRedeployFailedMessage))
	})

	It("skips resources whose deploy action is disabled", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.Actions.Deploy = boolPtr(false)
		}), testCredsSecret())

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		Expect(h.runner.commandLines()).To(BeEmpty())
	})

	It("runs the git sync hooks with the outcome flag", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.LifecycleHooks = &cdkv1alpha1.LifecycleHooks{
				BeforeGitSync: "echo pre",
				AfterGitSync:  "echo post",
			}
		}), testCredsSecret())

		Expect(h.reconciler.runGitSyncCheck(context.Background(), "infra", "nw")).To(Succeed())

		Expect(h.hooks.names()).To(Equal([]cdkv1alpha1.HookName{
			cdkv1alpha1.HookBeforeGitSync,
			cdkv1alpha1.HookAfterGitSync,
		}))
		env, ok := h.hooks.envFor(cdkv1alpha1.HookAfterGitSync)
		Expect(ok).To(BeTrue())
		Expect(env.Extra).To(ContainElement("GIT_CHANGES_DETECTED=false"))
	})
})

var _ = Describe("Sweeper", func() {

	newSweeper := func(h *testHarness) *Sweeper {
		return &Sweeper{Reconciler: h.reconciler, Log: logr.Discard()}
	}

	It("only sweeps deployed resources", func() {
		deployed := testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed"))
		failed := testStack(withPhase(cdkv1alpha1.PhaseFailed, "Deploy failed"))
		failed.Name = "broken"
		inFlight := testStack(withPhase(cdkv1alpha1.PhaseCloning, "Cloning"))
		inFlight.Name = "cloning"
		h := newHarness(deployed, failed, inFlight, testCredsSecret())

		newSweeper(h).sweepDrift(context.Background())

		Expect(h.runner.calledWith("cdk drift")).To(BeTrue())
		Expect(h.stack("infra", "broken").Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
		Expect(h.stack("infra", "cloning").Status.Phase).To(Equal(cdkv1alpha1.PhaseCloning))
	})

	It("honors the driftDetection gate", func() {
		h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
			s.Status.Phase = cdkv1alpha1.PhaseSucceeded
			s.Spec.Actions.DriftDetection = boolPtr(false)
		}), testCredsSecret())

		newSweeper(h).sweepDrift(context.Background())

		Expect(h.runner.commandLines()).To(BeEmpty())
	})

	It("expires the gauge group at the start of each sweep", func() {
		h := newHarness(testCredsSecret())
		path := withMetrics(h)

		newSweeper(h).sweepGitSync(context.Background())

		lines := metricLines(path)
		Expect(lines).To(HaveLen(1))
		Expect(lines[0]["action"]).To(Equal("expire"))
		Expect(lines[0]["group"]).To(Equal(metrics.GroupGitSyncStatus))
	})

	It("continues past a resource that fails to sweep", func() {
		bad := testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed"))
		bad.Name = "aaa-bad"
		bad.Spec.CredentialsSecretName = "missing-secret"
		good := testStack(withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed"))
		good.Name = "zzz-good"
		h := newHarness(bad, good, testCredsSecret())

		newSweeper(h).sweepDrift(context.Background())

		// The bad resource fails its credentials load and lands in Failed;
		// the good one still completes its check.
		Expect(h.stack("infra", "aaa-bad").Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
		goodStack := h.stack("infra", "zzz-good")
		Expect(goodStack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		Expect(goodStack.Status.LastDriftCheck).NotTo(BeNil())
	})
})
