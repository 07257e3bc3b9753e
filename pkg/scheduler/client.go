package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/grouping"
	"github.com/devicelab/test-tools/pkg/selection"
	"github.com/devicelab/test-tools/pkg/util/httpclient"
)

// Client is the runner-side client of the decision service.
type Client interface {
	SelectTests(changedFiles []api.ChangedFile) (*selection.TestSelectionResult, error)
	OptimizeBatches(testCaseIDs []string) (*grouping.OptimizationResult, error)
	RetryPlan(req RetryPlanRequest) (*api.RetryPlan, error)
	ReportResult(req ResultRequest) error
}

// NewClient returns a client for the scheduler listening at address.
func NewClient(address string) Client {
	return client{address: address}
}

type client struct {
	address string
}

func (c client) SelectTests(changedFiles []api.ChangedFile) (*selection.TestSelectionResult, error) {
	result := &selection.TestSelectionResult{}
	if err := c.post("/selection", SelectionRequest{ChangedFiles: changedFiles}, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c client) OptimizeBatches(testCaseIDs []string) (*grouping.OptimizationResult, error) {
	result := &grouping.OptimizationResult{}
	if err := c.post("/batches", BatchRequest{TestCaseIDs: testCaseIDs}, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c client) RetryPlan(req RetryPlanRequest) (*api.RetryPlan, error) {
	response := &RetryPlanResponse{}
	if err := c.post("/retry-plan", req, response); err != nil {
		return nil, err
	}
	return response.Plan, nil
}

func (c client) ReportResult(req ResultRequest) error {
	return c.post("/results", req, nil)
}

func (c client) post(path string, payload interface{}, into interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.address+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	response, err := httpclient.Do("scheduler", req)
	if err != nil {
		return fmt.Errorf("error performing request: %w", err)
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(response, into); err != nil {
		return fmt.Errorf("could not parse scheduler response: %w", err)
	}
	return nil
}
