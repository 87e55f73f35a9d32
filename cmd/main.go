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

package main

import (
	"flag"
	"os"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	cdkv1alpha1 "github.com/awscdk-dev/cdk-ts-stack-operator/api/v1alpha1"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/config"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/controller"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/hooks"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/metrics"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/procrun"
	"github.com/awscdk-dev/cdk-ts-stack-operator/internal/store"
	// +kubebuilder:scaffold:imports
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(cdkv1alpha1.AddToScheme(scheme))
	// +kubebuilder:scaffold:scheme
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var maxConcurrent int
	flag.StringVar(&metricsAddr, "metrics-bind-address", "0", "The address the metrics endpoint binds to. Set to '0' to disable.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	flag.IntVar(&maxConcurrent, "max-concurrent-reconciles", 0,
		"Maximum number of CdkTsStack resources reconciled in parallel. Zero uses the default.")
	opts := zap.Options{TimeEncoder: zapcore.ISO8601TimeEncoder}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}
	if cfg.DebugMode {
		opts.Development = true
		opts.Level = zapcore.DebugLevel
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	recorder, err := metrics.Open(cfg.MetricsPath, cfg.MetricsPrefix, ctrl.Log.WithName("metrics"))
	if err != nil {
		setupLog.Error(err, "unable to open metrics file", "path", cfg.MetricsPath)
		os.Exit(1)
	}
	defer recorder.Close()

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "cdktsstack.awscdk.dev",
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	runner := &procrun.Runner{Log: ctrl.Log.WithName("procrun")}
	gateway := store.NewGateway(
		mgr.GetClient(),
		mgr.GetEventRecorderFor("cdktsstack-controller"),
		ctrl.Log.WithName("store"),
	)
	reconciler := &controller.CdkTsStackReconciler{
		Client:                  mgr.GetClient(),
		Scheme:                  mgr.GetScheme(),
		Store:                   gateway,
		Runner:                  runner,
		Hooks:                   &hooks.ShellExecutor{Runner: runner},
		Metrics:                 recorder,
		Config:                  cfg,
		MaxConcurrentReconciles: maxConcurrent,
	}
	if err := reconciler.SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "CdkTsStack")
		os.Exit(1)
	}
	if err := mgr.Add(&controller.Sweeper{
		Reconciler: reconciler,
		Log:        ctrl.Log.WithName("sweeper"),
	}); err != nil {
		setupLog.Error(err, "unable to add sweeper")
		os.Exit(1)
	}
	// +kubebuilder:scaffold:builder

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager",
		"driftCheckCron", cfg.DriftCheckCron,
		"gitSyncCheckCron", cfg.GitSyncCheckCron)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
