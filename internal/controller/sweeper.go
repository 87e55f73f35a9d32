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

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	corev1 "k8s.io/api/core/v1"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
)

// Sweeper drives the periodic drift and git sync checks across every
// CdkTsStack in the cluster. It runs as a manager Runnable so the cron
// schedules start after the caches sync and stop with the manager.
type Sweeper struct {
	Reconciler *CdkTsStackReconciler
	Log        logr.Logger
}

// Start registers both cron entries and blocks until the manager context
// is cancelled. Implements manager.Runnable.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()

	cfg := s.Reconciler.Config
	if _, err := c.AddFunc(cfg.DriftCheckCron, func() { s.sweepDrift(ctx) }); err != nil {
		return errors.Wrapf(err, "scheduling drift sweep %q", cfg.DriftCheckCron)
	}
	if _, err := c.AddFunc(cfg.GitSyncCheckCron, func() { s.sweepGitSync(ctx) }); err != nil {
		return errors.Wrapf(err, "scheduling git sync sweep %q", cfg.GitSyncCheckCron)
	}

	s.Log.Info("Starting sweeper",
		"driftCheckCron", cfg.DriftCheckCron,
		"gitSyncCheckCron", cfg.GitSyncCheckCron)
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

// sweepDrift runs one drift pass. Expiring the gauge group first means
// resources deleted since the last pass stop reporting a stale value.
func (s *Sweeper) sweepDrift(ctx context.Context) {
	r := s.Reconciler
	r.Metrics.ExpireGroup(metrics.GroupDriftStatus)

	for _, stack := range s.candidates(ctx, "drift") {
		if !stack.DriftDetectionEnabled() {
			continue
		}
		if err := r.runDriftCheck(ctx, stack.Namespace, stack.Name); err != nil {
			s.Log.Error(err, "Drift check failed", "namespace", stack.Namespace, "name", stack.Name)
			r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
				ReasonDriftCheckStart, "Drift check failed: "+err.Error())
		}
	}
}

// sweepGitSync runs one git sync pass.
func (s *Sweeper) sweepGitSync(ctx context.Context) {
	r := s.Reconciler
	r.Metrics.ExpireGroup(metrics.GroupGitSyncStatus)

	for _, stack := range s.candidates(ctx, "git sync") {
		if !stack.DeployEnabled() {
			continue
		}
		if err := r.runGitSyncCheck(ctx, stack.Namespace, stack.Name); err != nil {
			s.Log.Error(err, "Git sync check failed", "namespace", stack.Namespace, "name", stack.Name)
			r.Store.EmitEvent(ctx, stack.Namespace, stack.Name, corev1.EventTypeWarning,
				ReasonGitSyncCheckStart, "Git sync check failed: "+err.Error())
		}
	}
}

// candidates lists the stacks eligible for a sweep: deployed, steady and
// not being deleted. Per-resource filters on top of this are applied by
// the callers.
func (s *Sweeper) candidates(ctx context.Context, sweep string) []cdkv1alpha1.CdkTsStack {
	stacks, err := s.Reconciler.Store.List(ctx)
	if err != nil {
		s.Log.Error(err, "Listing stacks for sweep", "sweep", sweep)
		return nil
	}
	eligible := stacks[:0]
	for _, stack := range stacks {
		if stack.Status.Phase != cdkv1alpha1.PhaseSucceeded || stack.GetDeletionTimestamp() != nil {
			continue
		}
		eligible = append(eligible, stack)
	}
	return eligible
}
