package history

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	prometheusapi "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/devicelab/test-tools/pkg/testhelper"
)

type prometheusAPIForTest struct {
	queryFunc func(ctx context.Context, query string, ts time.Time) (model.Value, prometheusapi.Warnings, error)
}

func (prometheusAPI *prometheusAPIForTest) Query(ctx context.Context, query string, ts time.Time, opts ...prometheusapi.Option) (model.Value, prometheusapi.Warnings, error) {
	if query != `sum(increase(test_execution_total[7d])) by (test_case)` {
		return nil, nil, fmt.Errorf("not supported query: %s", query)
	}
	return prometheusAPI.queryFunc(ctx, query, ts)
}

func TestGetTestVolumesFromPrometheus(t *testing.T) {
	now := time.Now().Unix()

	testCases := []struct {
		name          string
		queryFunc     func(ctx context.Context, query string, ts time.Time) (model.Value, prometheusapi.Warnings, error)
		expected      map[string]float64
		expectedError error
	}{
		{
			name: "basic case",
			queryFunc: func(ctx context.Context, query string, ts time.Time) (model.Value, prometheusapi.Warnings, error) {
				vec := model.Vector([]*model.Sample{
					{
						Metric:    model.Metric(map[model.LabelName]model.LabelValue{model.LabelName("test_case"): model.LabelValue("tests/unit/login.test.ts")}),
						Value:     model.SampleValue(float64(23)),
						Timestamp: model.Time(now),
					},
					{
						Metric:    model.Metric(map[model.LabelName]model.LabelValue{model.LabelName("test_case"): model.LabelValue("tests/e2e/checkout.test.ts")}),
						Value:     model.SampleValue(float64(61.04382516525817)),
						Timestamp: model.Time(now),
					},
				})
				return vec, nil, nil
			},
			expected: map[string]float64{
				"tests/unit/login.test.ts":   float64(23),
				"tests/e2e/checkout.test.ts": float64(61.04382516525817),
			},
		},
		{
			name: "wrong type",
			queryFunc: func(ctx context.Context, query string, ts time.Time) (model.Value, prometheusapi.Warnings, error) {
				sca := &model.Scalar{
					Value:     model.SampleValue(float64(23)),
					Timestamp: model.Time(now),
				}
				return sca, nil, nil
			},
			expectedError: fmt.Errorf("returned result of type *model.Scalar from Prometheus cannot be cast to vector"),
		},
		{
			name: "query error",
			queryFunc: func(ctx context.Context, query string, ts time.Time) (model.Value, prometheusapi.Warnings, error) {
				return nil, nil, fmt.Errorf("prometheus is down")
			},
			expectedError: fmt.Errorf("prometheus is down"),
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			actual, actualError := GetTestVolumesFromPrometheus(context.TODO(), &prometheusAPIForTest{queryFunc: tc.queryFunc}, time.Now())
			if diff := cmp.Diff(tc.expectedError, actualError, testhelper.EquateErrorMessage); diff != "" {
				t.Errorf("error differs from expected:\n%s", diff)
			}
			if diff := cmp.Diff(tc.expected, actual); diff != "" {
				t.Errorf("volumes differ from expected:\n%s", diff)
			}
		})
	}
}

func TestPrometheusOptionsValidate(t *testing.T) {
	testCases := []struct {
		name        string
		options     PrometheusOptions
		expectError bool
	}{
		{name: "empty options", options: PrometheusOptions{}},
		{name: "username and password together", options: PrometheusOptions{PrometheusUsername: "u", PrometheusPasswordPath: "/p"}},
		{name: "username without password", options: PrometheusOptions{PrometheusUsername: "u"}, expectError: true},
		{name: "password without username", options: PrometheusOptions{PrometheusPasswordPath: "/p"}, expectError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.options.Validate()
			if (err != nil) != tc.expectError {
				t.Errorf("unexpected validation result: %v", err)
			}
		})
	}
}

type captureRoundTripper struct {
	request *http.Request
}

func (c *captureRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	c.request = req
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestBasicAuthRoundTripper(t *testing.T) {
	capture := &captureRoundTripper{}
	rt := &basicAuthRoundTripper{username: "metrics", password: []byte("hunter2"), next: capture}

	if _, err := rt.RoundTrip(httptest.NewRequest(http.MethodGet, "http://prometheus.invalid/api/v1/query", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	username, password, ok := capture.request.BasicAuth()
	if !ok {
		t.Fatal("expected basic auth on the outgoing request")
	}
	if username != "metrics" || password != "hunter2" {
		t.Errorf("unexpected credentials: %s/%s", username, password)
	}
}
