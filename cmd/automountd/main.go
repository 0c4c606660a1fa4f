package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/detector"
	"git.srvlab.io/whiskey/automountd/pkg/drive"
	"git.srvlab.io/whiskey/automountd/pkg/events"
	"git.srvlab.io/whiskey/automountd/pkg/mount"
	"git.srvlab.io/whiskey/automountd/pkg/observability"
	"git.srvlab.io/whiskey/automountd/pkg/probe"
)

// These will be set via ldflags during build
var (
	buildVersion = "dev"
	gitCommit    = "unknown"
	buildDate    = "unknown"
)

var (
	// Metrics configuration
	metricsAddress = flag.String("metrics-address", "", "Address to serve /metrics and /healthz on (e.g. :9090); empty disables the listener")

	// Version flag
	version = flag.Bool("version", false, "Print version and exit")
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *version {
		fmt.Printf("automountd %s (commit %s, built %s)\n", buildVersion, gitCommit, buildDate)
		os.Exit(0)
	}

	klog.Infof("Starting automountd %s (commit %s)", buildVersion, gitCommit)

	// Handle shutdown gracefully
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics()
	registry := drive.NewRegistry()
	metrics.SetDriveCounter(registry.Len)

	prober := probe.NewBlkidProber()
	prober.SetRecorder(metrics)

	manager := mount.NewManager(mount.ManagerConfig{Root: mount.DefaultMountRoot}, mount.NewMounter())
	manager.SetRecorder(metrics)
	if err := manager.EnsureRoot(); err != nil {
		klog.Errorf("Failed to prepare mount root: %v", err)
		klog.Flush()
		os.Exit(1)
	}

	det, err := detector.NewDetector(detector.Config{
		Registry: registry,
		Prober:   prober,
		Manager:  manager,
		Events:   events.NewLogger(metrics),
		Metrics:  metrics,
	})
	if err != nil {
		klog.Errorf("Failed to create detector: %v", err)
		klog.Flush()
		os.Exit(1)
	}

	if *metricsAddress != "" {
		srv := newMetricsServer(*metricsAddress, metrics)
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddress)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				klog.Errorf("Metrics server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				klog.Warningf("Metrics server shutdown: %v", err)
			}
		}()
	}

	det.Run(ctx)

	// Mounts are left in place on shutdown
	klog.Infof("Shutting down with %d drive(s) still mounted", registry.Len())
}

func newMetricsServer(addr string, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
