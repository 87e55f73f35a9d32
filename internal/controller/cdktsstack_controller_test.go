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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
)

var _ = Describe("CdkTsStack reconciliation", func() {

	Context("finalizer handling", func() {
		It("adds the finalizer before doing any work", func() {
			h := newHarness(testStack(withoutFinalizer()), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Finalizers).To(ContainElement(cdkv1alpha1.Finalizer))
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseNone))
			Expect(h.runner.commandLines()).To(BeEmpty())
		})
	})

	Context("deploy state machine", func() {
		It("walks a fresh resource through Cloning, Installing and Succeeded", func() {
			h := newHarness(testStack(), testCredsSecret())

			By("entering Cloning")
			Expect(h.reconcile("infra", "nw")).To(Succeed())
			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseCloning))
			Expect(stack.Status.Message).To(ContainSubstring("https://example.com/infra.git"))

			By("cloning and entering Installing")
			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.stack("infra", "nw").Status.Phase).To(Equal(cdkv1alpha1.PhaseInstalling))
			Expect(h.runner.calledWith("git clone --depth 1 --branch main https://example.com/infra.git")).To(BeTrue())

			By("deploying in the Installing reconcile")
			Expect(h.reconcile("infra", "nw")).To(Succeed())
			stack = h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
			Expect(stack.Status.LastDeploy).NotTo(BeNil())
			Expect(h.runner.calledWith("cdk deploy nw-prod --require-approval never")).To(BeTrue())

			events := h.drainEvents()
			Expect(hasEvent(events, ReasonStackDeployStart)).To(BeTrue())
			Expect(hasEvent(events, ReasonStackDeploySuccess)).To(BeTrue())
		})

		It("targets all stacks and forwards context when no stack name is set", func() {
			h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
				s.Spec.StackName = ""
				s.Spec.CdkContext = []string{"env=prod"}
				s.Status.Phase = cdkv1alpha1.PhaseCloning
			}), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.calledWith("cdk deploy --all --require-approval never --context env=prod")).To(BeTrue())
		})

		It("runs npm ci when the project has a package.json", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseCloning, "")), testCredsSecret())
			h.runner.cloneFiles = []string{"package.json"}

			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.calledWith("npm ci --no-audit --no-fund")).To(BeTrue())
			Expect(h.stack("infra", "nw").Status.Phase).To(Equal(cdkv1alpha1.PhaseSucceeded))
		})

		It("fails the resource when the clone fails", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseCloning, "")), testCredsSecret())
			h.runner.set("git", procrun.Result{ExitCode: 128, Output: "fatal: repository not found"})

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(ContainSubstring("repository not found"))
		})

		It("fails the resource when spec.path is missing from the clone", func() {
			h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
				s.Spec.Path = "missing/subdir"
				s.Status.Phase = cdkv1alpha1.PhaseInstalling
			}), testCredsSecret())
			// The workspace from the Cloning step is gone after a restart.

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(ContainSubstring("missing/subdir"))
		})

		It("fails the resource when npm ci fails", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseCloning, "")), testCredsSecret())
			h.runner.cloneFiles = []string{"package.json"}
			h.runner.set("npm", procrun.Result{ExitCode: 1, Output: "npm ERR! peer dep conflict"})

			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(ContainSubstring("Dependency install failed"))
		})

		It("classifies a deploy failure into a readable message", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseCloning, "")), testCredsSecret())
			h.runner.set("cdk deploy", procrun.Result{
				ExitCode: 1,
				Output:   "User is not authorized: AccessDenied",
			})

			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(ContainSubstring("AccessDenied"))
			Expect(hasEvent(h.drainEvents(), ReasonStackDeployFailure)).To(BeTrue())
		})

		It("fails fast when the credentials secret is absent", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseCloning, "")))

			Expect(h.reconcile("infra", "nw")).To(Succeed())
			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(ContainSubstring(`"aws-creds" not found`))
			Expect(h.runner.calledWith("cdk deploy")).To(BeFalse())
		})

		It("restarts the machine from a Failed phase", func() {
			h := newHarness(testStack(withPhase(cdkv1alpha1.PhaseFailed, "Deploy failed with exit code 1")), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.stack("infra", "nw").Status.Phase).To(Equal(cdkv1alpha1.PhaseCloning))
		})

		It("runs the deploy lifecycle hooks with the credential overlay", func() {
			h := newHarness(testStack(func(s *cdkv1alpha1.CdkTsStack) {
				s.Status.Phase = cdkv1alpha1.PhaseInstalling
				s.Spec.LifecycleHooks = &cdkv1alpha1.LifecycleHooks{
					BeforeDeploy: "echo before",
					AfterDeploy:  "echo after",
				}
			}), testCredsSecret())
			h.runner.cloneFiles = nil
			// Re-create the workspace the Cloning step would have left.
			ws := h.reconciler.deployWorkspace(h.stack("infra", "nw"))
			Expect(h.runner.Run(context.Background(), procrun.Command{
				Name: "git", Args: []string{"clone", ws.Dir},
			}).Err).NotTo(HaveOccurred())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.hooks.names()).To(Equal([]cdkv1alpha1.HookName{
				cdkv1alpha1.HookBeforeDeploy,
				cdkv1alpha1.HookAfterDeploy,
			}))
			env, ok := h.hooks.envFor(cdkv1alpha1.HookBeforeDeploy)
			Expect(ok).To(BeTrue())
			Expect(env.StackName).To(Equal("nw-prod"))
			Expect(env.Extra).To(ContainElement("AWS_ACCESS_KEY_ID=AKIATEST"))
		})
	})

	Context("action gates", func() {
		It("parks a fresh resource in Failed when deploy is disabled", func() {
			h := newHarness(testStack(withActions(cdkv1alpha1.ActionsSpec{
				Deploy: boolPtr(false),
			})), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			stack := h.stack("infra", "nw")
			Expect(stack.Status.Phase).To(Equal(cdkv1alpha1.PhaseFailed))
			Expect(stack.Status.Message).To(Equal(deployDisabledMessage))
			Expect(h.runner.commandLines()).To(BeEmpty())
		})
	})

	Context("phase guards", func() {
		DescribeTable("reconciles of guarded phases are no-ops",
			func(phase cdkv1alpha1.StackPhase, message string) {
				h := newHarness(testStack(withPhase(phase, message)), testCredsSecret())

				Expect(h.reconcile("infra", "nw")).To(Succeed())

				stack := h.stack("infra", "nw")
				Expect(stack.Status.Phase).To(Equal(phase))
				Expect(stack.Status.Message).To(Equal(message))
				Expect(h.runner.commandLines()).To(BeEmpty())
			},
			Entry("deploy in flight", cdkv1alpha1.PhaseDeploying, "Running cdk deploy"),
			Entry("drift check in flight", cdkv1alpha1.PhaseDriftChecking, "Checking for infrastructure drift"),
			Entry("git sync in flight", cdkv1alpha1.PhaseGitSyncChecking, "Checking Git repository for changes"),
			Entry("deletion in flight", cdkv1alpha1.PhaseDeleting, "Destroying AWS stack"),
			Entry("steady state", cdkv1alpha1.PhaseSucceeded, "Stack deployed"),
			Entry("sweeper-owned failure", cdkv1alpha1.PhaseFailed, autoRedeployFailedMessage),
		)
	})

	Context("deletion", func() {
		It("destroys the stack and removes the finalizer", func() {
			h := newHarness(testStack(deleting(), withPhase(cdkv1alpha1.PhaseSucceeded, "Stack deployed")), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.calledWith("cdk destroy nw-prod --force")).To(BeTrue())
			err := h.client.Get(context.Background(),
				types.NamespacedName{Namespace: "infra", Name: "nw"}, &cdkv1alpha1.CdkTsStack{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("runs the destroy lifecycle hooks", func() {
			h := newHarness(testStack(deleting(), func(s *cdkv1alpha1.CdkTsStack) {
				s.Spec.LifecycleHooks = &cdkv1alpha1.LifecycleHooks{
					BeforeDestroy: "echo bye",
					AfterDestroy:  "echo gone",
				}
			}), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.hooks.names()).To(Equal([]cdkv1alpha1.HookName{
				cdkv1alpha1.HookBeforeDestroy,
				cdkv1alpha1.HookAfterDestroy,
			}))
		})

		It("orphans the AWS stack when destroy is disabled", func() {
			h := newHarness(testStack(deleting(), withActions(cdkv1alpha1.ActionsSpec{
				Destroy: boolPtr(false),
			})), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.calledWith("cdk destroy")).To(BeFalse())
			err := h.client.Get(context.Background(),
				types.NamespacedName{Namespace: "infra", Name: "nw"}, &cdkv1alpha1.CdkTsStack{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("removes the finalizer even when cdk destroy fails", func() {
			h := newHarness(testStack(deleting()), testCredsSecret())
			h.runner.set("cdk destroy", procrun.Result{ExitCode: 1, Output: "stack is in UPDATE_IN_PROGRESS"})

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			err := h.client.Get(context.Background(),
				types.NamespacedName{Namespace: "infra", Name: "nw"}, &cdkv1alpha1.CdkTsStack{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
			Expect(hasEvent(h.drainEvents(), ReasonStackDestroyFailure)).To(BeTrue())
		})

		It("removes the finalizer when credentials are gone", func() {
			h := newHarness(testStack(deleting()))

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.calledWith("cdk destroy")).To(BeFalse())
			err := h.client.Get(context.Background(),
				types.NamespacedName{Namespace: "infra", Name: "nw"}, &cdkv1alpha1.CdkTsStack{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("leaves resources holding only foreign finalizers alone", func() {
			h := newHarness(testStack(deleting(), func(s *cdkv1alpha1.CdkTsStack) {
				s.Finalizers = []string{"other.example.com/keep"}
			}), testCredsSecret())

			Expect(h.reconcile("infra", "nw")).To(Succeed())

			Expect(h.runner.commandLines()).To(BeEmpty())
			Expect(h.stack("infra", "nw").Finalizers).To(ContainElement("other.example.com/keep"))
		})
	})
})
