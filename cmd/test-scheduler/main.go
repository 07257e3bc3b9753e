package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	prometheusapi "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/grouping"
	"github.com/devicelab/test-tools/pkg/history"
	"github.com/devicelab/test-tools/pkg/retry"
	"github.com/devicelab/test-tools/pkg/scheduler"
	"github.com/devicelab/test-tools/pkg/selection"
	"github.com/devicelab/test-tools/pkg/util/gzip"
)

type options struct {
	groupingConfigPath  string
	selectionConfigPath string
	retryConfigPath     string

	dependencyGraphPath string
	historyPath         string
	learnedPath         string
	recordAge           time.Duration

	listenAddr       string
	snapshotSchedule string
	daemonize        bool

	history.PrometheusOptions
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	fs.StringVar(&o.groupingConfigPath, "grouping-config-path", "", "Path to the grouping optimizer config file")
	fs.StringVar(&o.selectionConfigPath, "selection-config-path", "", "Path to the test selection config file")
	fs.StringVar(&o.retryConfigPath, "retry-config-path", "", "Path to the retry planner config file")
	fs.StringVar(&o.dependencyGraphPath, "dependency-graph-path", "", "Path to the dependency graph snapshot file")
	fs.StringVar(&o.historyPath, "history-path", "", "Path to the file holding the execution history snapshot")
	fs.StringVar(&o.learnedPath, "learned-strategies-path", "", "Path to the file holding learned retry strategies")
	fs.DurationVar(&o.recordAge, "record-age", 30*24*time.Hour, "Maximum age of history and learned records kept on load")
	fs.StringVar(&o.listenAddr, "listen-addr", ":8080", "Address the decision service listens on")
	fs.StringVar(&o.snapshotSchedule, "snapshot-schedule", "@every 10m", "Cron schedule for persisting history and learned strategies in daemon mode")
	fs.BoolVar(&o.daemonize, "daemonize", false, "Run the scheduler in daemon mode")

	o.PrometheusOptions.AddFlags(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("could not parse input")
	}
	return o
}

func (o *options) validate() error {
	if o.dependencyGraphPath == "" {
		return fmt.Errorf("mandatory argument --dependency-graph-path wasn't set")
	}
	return o.PrometheusOptions.Validate()
}

func readPassword(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Fatal("failed to read the Prometheus password")
	}
	return []byte(strings.TrimSpace(string(data)))
}

func loadGraph(path string) (api.DependencyGraph, error) {
	data, err := gzip.ReadFileMaybeGZIP(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the dependency graph %q: %w", path, err)
	}
	graph := api.DependencyGraph{}
	if err := yaml.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the dependency graph: %w", err)
	}
	return graph, nil
}

func main() {
	o := gatherOptions()
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("invalid options")
	}
	logger := logrus.NewEntry(logrus.StandardLogger())

	groupingConfig := grouping.Config{}.WithDefaults()
	if o.groupingConfigPath != "" {
		loaded, err := grouping.LoadConfig(o.groupingConfigPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load the grouping config")
		}
		groupingConfig = *loaded
	}
	selectionConfig := selection.Config{}.WithDefaults()
	if o.selectionConfigPath != "" {
		loaded, err := selection.LoadConfig(o.selectionConfigPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load the selection config")
		}
		selectionConfig = *loaded
	}
	retryConfig := retry.Config{}.WithDefaults()
	if o.retryConfigPath != "" {
		loaded, err := retry.LoadConfig(o.retryConfigPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load the retry config")
		}
		retryConfig = *loaded
	}

	graph, err := loadGraph(o.dependencyGraphPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load the dependency graph")
	}

	tracker := history.NewTracker(logger)
	historyStore := &history.FileStore{File: o.historyPath, RecordAge: o.recordAge}
	if err := historyStore.Load(tracker); err != nil {
		logrus.WithError(err).Warn("Failed to load history snapshot from disk")
	}
	logrus.WithField("testCases", len(tracker.TestCaseIDs())).Info("loaded execution history")

	planner := retry.NewPlanner(retryConfig, logger)
	learnedStore := &retry.LearnedFileStore{File: o.learnedPath, RecordAge: o.recordAge, Logger: logger}
	if err := learnedStore.Load(planner.LearnedStrategies()); err != nil {
		logrus.WithError(err).Warn("Failed to load learned strategies from disk")
	}

	optimizer := grouping.NewOptimizer(tracker, groupingConfig, logger)
	selector := selection.NewSelector(graph, tracker, selectionConfig, logger)

	if o.PrometheusURL != "" {
		var password []byte
		if o.PrometheusPasswordPath != "" {
			password = readPassword(o.PrometheusPasswordPath)
		}
		promClient, err := o.PrometheusOptions.NewPrometheusClient(password)
		if err != nil {
			logrus.WithError(err).Fatal("failed to create the Prometheus client")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		volumes, err := history.GetTestVolumesFromPrometheus(ctx, prometheusapi.NewAPI(promClient), time.Now())
		cancel()
		if err != nil {
			logrus.WithError(err).Warn("Failed to fetch test volumes from Prometheus")
		} else {
			logrus.WithField("tests", len(volumes)).Info("loaded test execution volumes")
			selector.SetTestVolumes(volumes)
		}
	}

	server := scheduler.NewServer(optimizer, selector, planner, tracker, prometheus.DefaultRegisterer, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", server.Handler())

	httpServer := &http.Server{Addr: o.listenAddr, Handler: mux}

	persist := func() {
		if err := historyStore.Save(tracker); err != nil {
			logrus.WithError(err).Error("failed to save history snapshot")
		}
		if err := learnedStore.Save(planner.LearnedStrategies()); err != nil {
			logrus.WithError(err).Error("failed to save learned strategies")
		}
	}

	var cronScheduler *cron.Cron
	if o.daemonize {
		cronScheduler = cron.New()
		if _, err := cronScheduler.AddFunc(o.snapshotSchedule, persist); err != nil {
			logrus.WithError(err).Fatal("failed to schedule snapshot persistence")
		}
		cronScheduler.Start()
	}

	go func() {
		logrus.WithField("addr", o.listenAddr).Info("decision service listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("shutting down")
	if cronScheduler != nil {
		cronScheduler.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("failed to shut down cleanly")
	}
	persist()
}
