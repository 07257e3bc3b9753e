package history

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/api"
	prometheusapi "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// PrometheusOptions configures access to the Prometheus instance holding
// test execution metrics.
type PrometheusOptions struct {
	PrometheusURL          string
	PrometheusUsername     string
	PrometheusPasswordPath string
}

func (o *PrometheusOptions) Validate() error {
	if (o.PrometheusUsername == "") != (o.PrometheusPasswordPath == "") {
		return fmt.Errorf("--prometheus-username and --prometheus-password-path must be specified together")
	}
	return nil
}

func (o *PrometheusOptions) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.PrometheusURL, "prometheus-url", "", "The prometheus URL")
	fs.StringVar(&o.PrometheusUsername, "prometheus-username", "", "The Prometheus username.")
	fs.StringVar(&o.PrometheusPasswordPath, "prometheus-password-path", "", "The path to a file containing the Prometheus password")
}

// basicAuthRoundTripper authenticates every request with credentials read
// once at startup.
type basicAuthRoundTripper struct {
	username string
	password []byte
	next     http.RoundTripper
}

func (rt *basicAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(rt.username, string(rt.password))
	return rt.next.RoundTrip(req)
}

// PrometheusAPI defines what we expect Prometheus to do in the package
type PrometheusAPI interface {
	// Query performs a query for the given time.
	Query(ctx context.Context, query string, ts time.Time, opts ...prometheusapi.Option) (model.Value, prometheusapi.Warnings, error)
}

// GetTestVolumesFromPrometheus gets per-test execution volumes over the last
// seven days from a Prometheus server for the given time. The selector uses
// volumes to weight frequently-run tests when breaking priority ties.
func GetTestVolumesFromPrometheus(ctx context.Context, prometheusAPI PrometheusAPI, ts time.Time) (map[string]float64, error) {
	result, warnings, err := prometheusAPI.Query(ctx, `sum(increase(test_execution_total[7d])) by (test_case)`, ts)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		logrus.WithField("Warnings", warnings).Warn("Got warnings from Prometheus")
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("returned result of type %T from Prometheus cannot be cast to vector", result)
	}

	testVolumes := map[string]float64{}
	for _, v := range vector {
		testVolumes[string(v.Metric[model.LabelName("test_case")])] = float64(v.Value)
	}

	return testVolumes, nil
}

// NewPrometheusClient returns a client for the configured instance. The
// password must already be loaded from PrometheusPasswordPath; it is ignored
// when no username is set.
func (o *PrometheusOptions) NewPrometheusClient(password []byte) (api.Client, error) {
	roundTripper := api.DefaultRoundTripper
	if o.PrometheusUsername != "" {
		roundTripper = &basicAuthRoundTripper{username: o.PrometheusUsername, password: password, next: api.DefaultRoundTripper}
	}
	return api.NewClient(api.Config{Address: o.PrometheusURL, RoundTripper: roundTripper})
}
