// Package scheduler exposes the decision core over HTTP for hosts that
// prefer process isolation: the runner asks for selections, batches, and
// retry plans, and reports results back.
package scheduler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/devicelab/test-tools/pkg/api"
	"github.com/devicelab/test-tools/pkg/grouping"
	"github.com/devicelab/test-tools/pkg/history"
	"github.com/devicelab/test-tools/pkg/retry"
	"github.com/devicelab/test-tools/pkg/selection"
)

// SelectionRequest asks which tests must run for a change set.
type SelectionRequest struct {
	ChangedFiles []api.ChangedFile `json:"changed_files"`
}

// BatchRequest asks for a partition of a test set.
type BatchRequest struct {
	TestCaseIDs []string `json:"test_case_ids"`
}

// RetryPlanRequest asks for a retry plan for one failure. When Pattern is
// unset the failure message is classified server-side.
type RetryPlanRequest struct {
	TestCaseID     string              `json:"test_case_id"`
	FailureMessage string              `json:"failure_message,omitempty"`
	Pattern        *api.FailurePattern `json:"pattern,omitempty"`
	CurrentAttempt int                 `json:"current_attempt"`
}

// RetryPlanResponse wraps the plan so that "no plan" is an explicit decision
// in the payload, not an empty body.
type RetryPlanResponse struct {
	Plan *api.RetryPlan `json:"plan"`
}

// ResultRequest reports one execution outcome, optionally with the retry
// strategy that was applied so the planner can learn from it.
type ResultRequest struct {
	TestCaseID string         `json:"test_case_id"`
	Duration   time.Duration  `json:"duration"`
	Status     api.TestStatus `json:"status"`
	Platform   api.Platform   `json:"platform,omitempty"`

	RetriedCategory api.FailureCategory   `json:"retried_category,omitempty"`
	RetriedStrategy api.RetryStrategyType `json:"retried_strategy,omitempty"`
}

// Server serves scheduling decisions.
type Server struct {
	optimizer *grouping.Optimizer
	selector  *selection.Selector
	planner   *retry.Planner
	tracker   *history.Tracker
	logger    *logrus.Entry

	decisionsTotal  *prometheus.CounterVec
	decisionErrors  *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
}

// NewServer wires the decision components behind HTTP handlers and registers
// its metrics on the given registerer.
func NewServer(optimizer *grouping.Optimizer, selector *selection.Selector, planner *retry.Planner, tracker *history.Tracker, registerer prometheus.Registerer, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		optimizer: optimizer,
		selector:  selector,
		planner:   planner,
		tracker:   tracker,
		logger:    logger,
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_decisions_total",
			Help: "Number of scheduling decisions served, by endpoint.",
		}, []string{"endpoint"}),
		decisionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_decision_errors_total",
			Help: "Number of scheduling requests that failed, by endpoint.",
		}, []string{"endpoint"}),
		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_decision_duration_seconds",
			Help:    "Time spent computing scheduling decisions, by endpoint.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
	if registerer != nil {
		registerer.MustRegister(s.decisionsTotal, s.decisionErrors, s.decisionLatency)
	}
	return s
}

// Handler returns the router serving the decision endpoints.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.POST("/selection", s.handleSelection)
	router.POST("/batches", s.handleBatches)
	router.POST("/retry-plan", s.handleRetryPlan)
	router.POST("/results", s.handleResult)
	return router
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	const endpoint = "selection"
	defer s.observe(endpoint, time.Now())

	var req SelectionRequest
	if !s.decode(w, r, endpoint, &req) {
		return
	}
	result, err := s.selector.SelectTests(req.ChangedFiles)
	if err != nil {
		s.badRequest(w, endpoint, err)
		return
	}
	s.respond(w, endpoint, result)
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	const endpoint = "batches"
	defer s.observe(endpoint, time.Now())

	var req BatchRequest
	if !s.decode(w, r, endpoint, &req) {
		return
	}
	result, err := s.optimizer.Optimize(req.TestCaseIDs)
	if err != nil {
		s.badRequest(w, endpoint, err)
		return
	}
	s.respond(w, endpoint, result)
}

func (s *Server) handleRetryPlan(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	const endpoint = "retry-plan"
	defer s.observe(endpoint, time.Now())

	var req RetryPlanRequest
	if !s.decode(w, r, endpoint, &req) {
		return
	}
	pattern := retry.Classify(req.FailureMessage)
	if req.Pattern != nil {
		pattern = *req.Pattern
	}
	plan, err := s.planner.CreateRetryPlan(req.TestCaseID, pattern, req.CurrentAttempt)
	if err != nil {
		s.badRequest(w, endpoint, err)
		return
	}
	s.respond(w, endpoint, RetryPlanResponse{Plan: plan})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	const endpoint = "results"
	defer s.observe(endpoint, time.Now())

	var req ResultRequest
	if !s.decode(w, r, endpoint, &req) {
		return
	}
	if req.TestCaseID == "" {
		s.badRequest(w, endpoint, errEmptyTestCaseID)
		return
	}
	s.tracker.Record(req.TestCaseID, req.Duration, req.Status, req.Platform)
	if req.RetriedCategory != "" && req.RetriedStrategy != "" {
		s.planner.RecordRetryResult(req.TestCaseID, req.RetriedCategory, req.RetriedStrategy, req.Status == api.StatusPassed)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string, into interface{}) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		s.badRequest(w, endpoint, err)
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, endpoint string, payload interface{}) {
	s.decisionsTotal.WithLabelValues(endpoint).Inc()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).WithField("endpoint", endpoint).Error("failed to encode response")
	}
}

func (s *Server) badRequest(w http.ResponseWriter, endpoint string, err error) {
	s.decisionErrors.WithLabelValues(endpoint).Inc()
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) observe(endpoint string, start time.Time) {
	s.decisionLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

var errEmptyTestCaseID = jsonError("test_case_id must not be empty")

type jsonError string

func (e jsonError) Error() string { return string(e) }
