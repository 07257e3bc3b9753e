package retry

import (
	"regexp"
	"strconv"
	"time"

	"github.com/devicelab/test-tools/pkg/api"
)

// Failure classification is heuristic string parsing over driver and
// framework error messages. The tables below are ordered: the first matching
// entry wins, so more specific categories must precede the generic ones
// (stale-element before element-not-found, both before timeout).
type classificationRule struct {
	category   api.FailureCategory
	pattern    *regexp.Regexp
	confidence float64
}

var classificationRules = []classificationRule{
	{api.FailureStaleElement, regexp.MustCompile(`(?i)stale element( reference)?`), 0.9},
	{api.FailureNotInteractable, regexp.MustCompile(`(?i)(not interactable|not clickable|click intercepted|element is (obscured|covered))`), 0.85},
	{api.FailureElementNotFound, regexp.MustCompile(`(?i)(no such element|element (was )?not found|(unable|failed) to (locate|find) (an )?element|could not find element|waiting for selector)`), 0.9},
	{api.FailureCrash, regexp.MustCompile(`(?i)(crash(ed)?|SIGSEGV|SIGABRT|has stopped( unexpectedly)?|application not responding|instrumentation run failed|terminated unexpectedly)`), 0.9},
	{api.FailureAssertion, regexp.MustCompile(`(?i)(assert(ion)?( ?error| ?failed)?:|expected .+ (but|to) |should (be|have|equal))`), 0.85},
	{api.FailureNetwork, regexp.MustCompile(`(?i)(connection (refused|reset|aborted)|ECONNREFUSED|ECONNRESET|socket hang ?up|network (error|unreachable)|dns (lookup|resolution) failed|ERR_INTERNET_DISCONNECTED)`), 0.8},
	{api.FailureTimeout, regexp.MustCompile(`(?i)(timed? ?out|timeout(error)?\b|deadline exceeded|wait(ed)? .*exceeded)`), 0.8},
}

const unknownConfidence = 0.3

// Classify buckets a failure message into a category with a confidence
// score. Unparseable messages degrade to unknown, which still gets a
// conservative retry menu rather than being rejected.
func Classify(message string) api.FailurePattern {
	pattern := api.FailurePattern{Category: api.FailureUnknown, Confidence: unknownConfidence}
	for _, rule := range classificationRules {
		if rule.pattern.MatchString(message) {
			pattern.Category = rule.category
			pattern.Confidence = rule.confidence
			break
		}
	}
	pattern.ExtractedTimeout = ExtractTimeout(message)
	pattern.ExtractedLocator = ExtractLocator(message)
	return pattern
}

var timeoutPatterns = []struct {
	pattern *regexp.Regexp
	unit    time.Duration
}{
	{regexp.MustCompile(`(?i)(\d+)\s*ms\b`), time.Millisecond},
	{regexp.MustCompile(`(?i)(\d+)\s*milliseconds?\b`), time.Millisecond},
	{regexp.MustCompile(`(?i)(\d+)\s*s(ec(onds?)?)?\b`), time.Second},
	{regexp.MustCompile(`(?i)timeout (?:of )?(\d+)\b`), time.Millisecond},
}

// ExtractTimeout parses a timeout value out of a failure message. It returns
// zero when the message carries none.
func ExtractTimeout(message string) time.Duration {
	for _, tp := range timeoutPatterns {
		if m := tp.pattern.FindStringSubmatch(message); m != nil {
			value, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			return time.Duration(value) * tp.unit
		}
	}
	return 0
}

var locatorPatterns = []*regexp.Regexp{
	regexp.MustCompile("`([^`]+)`"),
	regexp.MustCompile(`(?i)selector:?\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?i)(?:locator|element):?\s+['"]([^'"]+)['"]`),
	regexp.MustCompile(`(?i)xpath[:=]\s*(\S+)`),
	regexp.MustCompile(`(?i)(?:css|id|accessibility id)[:=]\s*(\S+)`),
}

// ExtractLocator parses an element locator out of a failure message. It
// returns the empty string when the message carries none.
func ExtractLocator(message string) string {
	for _, pattern := range locatorPatterns {
		if m := pattern.FindStringSubmatch(message); m != nil {
			return m[1]
		}
	}
	return ""
}
