package history

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/util/httpclient"
)

// Client reads and writes history through a remote history-store service.
type Client struct {
	Address string
}

// NewClient returns a client for the history store listening at address.
func NewClient(address string) *Client {
	return &Client{Address: address}
}

// History fetches the recorded executions for a test case.
func (c *Client) History(testCaseID string) ([]api.TestExecutionRecord, error) {
	endpoint := fmt.Sprintf("%s/history/%s", c.Address, url.PathEscape(testCaseID))
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	body, err := httpclient.Do("history store", req)
	if err != nil {
		return nil, fmt.Errorf("error performing request: %w", err)
	}
	var records []api.TestExecutionRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("could not parse history response: %w", err)
	}
	return records, nil
}

// Metadata fetches history and derives the per-test view locally.
func (c *Client) Metadata(testCaseID string) (api.TestMetadata, error) {
	records, err := c.History(testCaseID)
	if err != nil {
		return ComputeMetadata(testCaseID, nil), err
	}
	return ComputeMetadata(testCaseID, records), nil
}

// IsFlaky fetches history and applies the alternation threshold locally.
func (c *Client) IsFlaky(testCaseID string) (bool, error) {
	records, err := c.History(testCaseID)
	if err != nil {
		return false, err
	}
	return AlternationRate(records) >= api.FlakyAlternationThreshold, nil
}

// Record reports one execution outcome to the history store.
func (c *Client) Record(testCaseID string, duration time.Duration, status api.TestStatus, platform api.Platform) {
	record := api.TestExecutionRecord{
		TestCaseID: testCaseID,
		Duration:   duration,
		Status:     status,
		Timestamp:  time.Now(),
		Platform:   platform,
	}
	body, err := json.Marshal(record)
	if err != nil {
		logrus.WithError(err).Error("could not marshal execution record")
		return
	}
	req, err := http.NewRequest(http.MethodPost, c.Address+"/results", bytes.NewReader(body))
	if err != nil {
		logrus.WithError(err).Error("could not create request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := httpclient.Do("history store", req); err != nil {
		logrus.WithError(err).WithField("testCase", testCaseID).Error("failed to report execution result")
	}
}

var _ Reader = &Client{}
var _ Writer = &Client{}
