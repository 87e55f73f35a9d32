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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Finalizer guards deletion of a CdkTsStack until the controller has had a
// chance to run `cdk destroy` against the deployed CloudFormation stack.
const Finalizer = "cdkstack.awscdk.dev/finalizer"

// StackPhase is the coarse lifecycle state of a CdkTsStack. Besides simple
// progress reporting it acts as the coordination primitive between the
// event-driven reconciler and the scheduled sweepers: DriftChecking,
// GitSyncChecking and Deleting are owned phases that only the subsystem
// that set them may transition out of.
type StackPhase string

const (
	// PhaseNone is the initial phase of a freshly created resource.
	PhaseNone StackPhase = ""
	// PhaseCloning means the Git repository is being shallow-cloned.
	PhaseCloning StackPhase = "Cloning"
	// PhaseInstalling means npm dependencies are being installed.
	PhaseInstalling StackPhase = "Installing"
	// PhaseDeploying means `cdk deploy` is running.
	PhaseDeploying StackPhase = "Deploying"
	// PhaseSucceeded is the steady state of a deployed stack.
	PhaseSucceeded StackPhase = "Succeeded"
	// PhaseFailed indicates the last operation failed; the message pinpoints why.
	PhaseFailed StackPhase = "Failed"
	// PhaseDeleting is owned by the deletion path.
	PhaseDeleting StackPhase = "Deleting"
	// PhaseDriftChecking is owned by the drift sweeper.
	PhaseDriftChecking StackPhase = "DriftChecking"
	// PhaseGitSyncChecking is owned by the Git-sync sweeper.
	PhaseGitSyncChecking StackPhase = "GitSyncChecking"
)

// HookName identifies one of the eight lifecycle hook stages.
type HookName string

const (
	HookBeforeDeploy         HookName = "beforeDeploy"
	HookAfterDeploy          HookName = "afterDeploy"
	HookBeforeDestroy        HookName = "beforeDestroy"
	HookAfterDestroy         HookName = "afterDestroy"
	HookBeforeDriftDetection HookName = "beforeDriftDetection"
	HookAfterDriftDetection  HookName = "afterDriftDetection"
	HookBeforeGitSync        HookName = "beforeGitSync"
	HookAfterGitSync         HookName = "afterGitSync"
)

// Spec defaults, materialized by the Effective* accessors below.
const (
	DefaultRegion = "us-east-1"
	DefaultGitRef = "main"
	DefaultPath   = "."
)

// GitSource describes where the CDK project lives.
type GitSource struct {
	// Repository is the clone URL (https or ssh).
	//+kubebuilder:validation:MinLength=1
	Repository string `json:"repository"`

	// Ref is the branch, tag or commit to deploy. Defaults to "main".
	//+kubebuilder:default="main"
	//+optional
	Ref string `json:"ref,omitempty"`

	// SSHSecretName names a kubernetes.io/ssh-auth Secret in the resource's
	// namespace whose ssh-privatekey is used to clone private repositories.
	//+optional
	SSHSecretName string `json:"sshSecretName,omitempty"`
}

// SourceSpec wraps the supported source kinds. Git is the only one today.
type SourceSpec struct {
	Git GitSource `json:"git"`
}

// ActionsSpec is the set of permission gates controlling what the operator
// is allowed to do on the AWS side.
type ActionsSpec struct {
	// Deploy permits `cdk deploy`. Disabling it on a fresh resource parks
	// the resource in Failed with an explanatory message.
	//+kubebuilder:default=true
	//+optional
	Deploy *bool `json:"deploy,omitempty"`

	// Destroy permits `cdk destroy` when the resource is deleted. When
	// disabled the AWS stack is intentionally orphaned.
	//+kubebuilder:default=true
	//+optional
	Destroy *bool `json:"destroy,omitempty"`

	// DriftDetection permits the periodic `cdk drift` sweep.
	//+kubebuilder:default=true
	//+optional
	DriftDetection *bool `json:"driftDetection,omitempty"`

	// AutoRedeploy permits the Git-sync sweeper to redeploy when the
	// deployed template diverges from the latest Git revision.
	//+kubebuilder:default=false
	//+optional
	AutoRedeploy *bool `json:"autoRedeploy,omitempty"`
}

// LifecycleHooks holds optional user-supplied shell script bodies executed
// at the named stages. Hook failures never abort the surrounding operation.
type LifecycleHooks struct {
	//+optional
	BeforeDeploy string `json:"beforeDeploy,omitempty"`
	//+optional
	AfterDeploy string `json:"afterDeploy,omitempty"`
	//+optional
	BeforeDestroy string `json:"beforeDestroy,omitempty"`
	//+optional
	AfterDestroy string `json:"afterDestroy,omitempty"`
	//+optional
	BeforeDriftDetection string `json:"beforeDriftDetection,omitempty"`
	//+optional
	AfterDriftDetection string `json:"afterDriftDetection,omitempty"`
	//+optional
	BeforeGitSync string `json:"beforeGitSync,omitempty"`
	//+optional
	AfterGitSync string `json:"afterGitSync,omitempty"`
}

// Script returns the script body for the given hook, or "" if unset.
func (h *LifecycleHooks) Script(name HookName) string {
	if h == nil {
		return ""
	}
	switch name {
	case HookBeforeDeploy:
		return h.BeforeDeploy
	case HookAfterDeploy:
		return h.AfterDeploy
	case HookBeforeDestroy:
		return h.BeforeDestroy
	case HookAfterDestroy:
		return h.AfterDestroy
	case HookBeforeDriftDetection:
		return h.BeforeDriftDetection
	case HookAfterDriftDetection:
		return h.AfterDriftDetection
	case HookBeforeGitSync:
		return h.BeforeGitSync
	case HookAfterGitSync:
		return h.AfterGitSync
	}
	return ""
}

// CdkTsStackSpec defines the desired state of CdkTsStack.
//
// A CdkTsStack points at a Git-hosted TypeScript CDK project and describes
// which AWS-side actions the operator may take. The operator clones the
// repository, installs dependencies and converges the real CloudFormation
// stack to match, then periodically checks for infrastructure drift and
// Git sync drift.
type CdkTsStackSpec struct {
	// StackName is the CloudFormation stack to target. When empty, every
	// CDK invocation targets all stacks in the app (`--all`).
	//+optional
	StackName string `json:"stackName,omitempty"`

	// CredentialsSecretName names an opaque Secret in this namespace holding
	// AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY and optionally
	// AWS_SESSION_TOKEN.
	//+kubebuilder:validation:MinLength=1
	CredentialsSecretName string `json:"credentialsSecretName"`

	// AWSRegion is the target region. Defaults to "us-east-1".
	//+kubebuilder:default="us-east-1"
	//+optional
	AWSRegion string `json:"awsRegion,omitempty"`

	// Source describes where to fetch the CDK project from.
	Source SourceSpec `json:"source"`

	// Path is the subdirectory inside the repository holding the CDK
	// project. Defaults to the repository root.
	//+kubebuilder:default="."
	//+optional
	Path string `json:"path,omitempty"`

	// CdkContext is an ordered list of key=value strings, each passed to
	// the CDK CLI as a --context flag.
	//+optional
	CdkContext []string `json:"cdkContext,omitempty"`

	// Actions gates what the operator may do.
	//+optional
	Actions ActionsSpec `json:"actions,omitempty"`

	// LifecycleHooks are user-supplied scripts run around each operation.
	//+optional
	LifecycleHooks *LifecycleHooks `json:"lifecycleHooks,omitempty"`
}

// CdkTsStackStatus defines the observed state of CdkTsStack.
type CdkTsStackStatus struct {
	// Phase is the current lifecycle phase.
	//+optional
	Phase StackPhase `json:"phase,omitempty"`

	// Message is a short human-readable description of the current phase.
	//+optional
	Message string `json:"message,omitempty"`

	// LastDeploy is set each time a deploy completes successfully.
	//+optional
	LastDeploy *metav1.Time `json:"lastDeploy,omitempty"`

	// LastDriftCheck is set each time a drift check completes.
	//+optional
	LastDriftCheck *metav1.Time `json:"lastDriftCheck,omitempty"`

	// DriftDetected reports whether the last drift check found out-of-band
	// changes. The operator never remediates drift automatically.
	//+optional
	DriftDetected bool `json:"driftDetected,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:resource:shortName=cdk
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="Stack",type=string,JSONPath=`.spec.stackName`
//+kubebuilder:printcolumn:name="Region",type=string,JSONPath=`.spec.awsRegion`
//+kubebuilder:printcolumn:name="Drift",type=boolean,JSONPath=`.status.driftDetected`
//+kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// CdkTsStack is the Schema for the cdktsstacks API.
type CdkTsStack struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CdkTsStackSpec   `json:"spec,omitempty"`
	Status CdkTsStackStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// CdkTsStackList contains a list of CdkTsStack.
type CdkTsStackList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CdkTsStack `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CdkTsStack{}, &CdkTsStackList{})
}

// ────────────────────────────────────────────────────────────────────────────
// Defaults and derived values
// ────────────────────────────────────────────────────────────────────────────

// EffectiveRegion returns spec.awsRegion or the default region.
func (s *CdkTsStack) EffectiveRegion() string {
	if s.Spec.AWSRegion != "" {
		return s.Spec.AWSRegion
	}
	return DefaultRegion
}

// EffectiveRef returns spec.source.git.ref or "main".
func (s *CdkTsStack) EffectiveRef() string {
	if s.Spec.Source.Git.Ref != "" {
		return s.Spec.Source.Git.Ref
	}
	return DefaultGitRef
}

// EffectivePath returns spec.path or ".".
func (s *CdkTsStack) EffectivePath() string {
	if s.Spec.Path != "" {
		return s.Spec.Path
	}
	return DefaultPath
}

// StackArgs returns the stack selection argument for a CDK invocation:
// the configured stack name, or --all when no stack name is set.
func (s *CdkTsStack) StackArgs() []string {
	if s.Spec.StackName != "" {
		return []string{s.Spec.StackName}
	}
	return []string{"--all"}
}

// ContextArgs returns one "--context k=v" flag pair per cdkContext entry,
// preserving order.
func (s *CdkTsStack) ContextArgs() []string {
	var args []string
	for _, kv := range s.Spec.CdkContext {
		args = append(args, "--context", kv)
	}
	return args
}

// DeployEnabled reports whether `cdk deploy` is permitted (default true).
func (s *CdkTsStack) DeployEnabled() bool {
	return s.Spec.Actions.Deploy == nil || *s.Spec.Actions.Deploy
}

// DestroyEnabled reports whether `cdk destroy` is permitted (default true).
func (s *CdkTsStack) DestroyEnabled() bool {
	return s.Spec.Actions.Destroy == nil || *s.Spec.Actions.Destroy
}

// DriftDetectionEnabled reports whether the drift sweep may process this
// resource (default true).
func (s *CdkTsStack) DriftDetectionEnabled() bool {
	return s.Spec.Actions.DriftDetection == nil || *s.Spec.Actions.DriftDetection
}

// AutoRedeployEnabled reports whether the Git-sync sweeper may redeploy
// on pending changes (default false).
func (s *CdkTsStack) AutoRedeployEnabled() bool {
	return s.Spec.Actions.AutoRedeploy != nil && *s.Spec.Actions.AutoRedeploy
}
