package breaker

import (
	"strings"

	"github.com/ollamux/ollamux/internal/core/domain"
)

// capabilityPatterns identify model-capability mismatches. These are recorded
// but never advance breaker counters; a model that cannot generate is not a
// failing backend.
var capabilityPatterns = []string{
	"does not support generate",
	"does not support chat",
	"unsupported operation",
}

var rateLimitPatterns = []string{
	"rate limit",
	"too many requests",
}

// Classification is the classifier's verdict on one upstream failure.
type Classification struct {
	Kind               domain.ErrorKind
	ShouldCircuitBreak bool
	CapabilityError    bool
}

// Classifier maps an upstream error (message plus optional HTTP status) to a
// canonical error kind. Classification is pure: identical inputs always yield
// identical outputs for a given pattern configuration.
type Classifier struct {
	nonRetryablePatterns []string
	permanentPatterns    []string
	transientPatterns    []string
}

func NewClassifier(nonRetryable, permanent, transient []string) *Classifier {
	return &Classifier{
		nonRetryablePatterns: lowerAll(nonRetryable),
		permanentPatterns:    lowerAll(permanent),
		transientPatterns:    lowerAll(transient),
	}
}

// Classify applies the canonical rule order: capability, non-retryable,
// permanent, rate-limit, transient, HTTP bucket, retryable fallback.
func (c *Classifier) Classify(message string, statusCode int) Classification {
	msg := strings.ToLower(message)

	if matchesAny(msg, capabilityPatterns) {
		return Classification{Kind: domain.ErrorKindNonRetryable, ShouldCircuitBreak: false, CapabilityError: true}
	}

	if matchesAny(msg, c.nonRetryablePatterns) || statusCode == 401 || statusCode == 403 || statusCode == 404 {
		return Classification{Kind: domain.ErrorKindNonRetryable, ShouldCircuitBreak: true}
	}

	if matchesAny(msg, c.permanentPatterns) {
		return Classification{Kind: domain.ErrorKindPermanent, ShouldCircuitBreak: true}
	}

	if matchesAny(msg, rateLimitPatterns) || statusCode == 429 {
		return Classification{Kind: domain.ErrorKindRateLimited, ShouldCircuitBreak: true}
	}

	if matchesAny(msg, c.transientPatterns) {
		return Classification{Kind: domain.ErrorKindTransient, ShouldCircuitBreak: true}
	}

	if statusCode >= 500 && statusCode < 600 {
		return Classification{Kind: domain.ErrorKindRetryable, ShouldCircuitBreak: true}
	}

	return Classification{Kind: domain.ErrorKindRetryable, ShouldCircuitBreak: true}
}

// ClassifyError is a convenience wrapper over Classify for plain errors.
func (c *Classifier) ClassifyError(err error) Classification {
	if err == nil {
		return Classification{Kind: domain.ErrorKindRetryable, ShouldCircuitBreak: false}
	}

	var statusCode int
	if se, ok := err.(interface{ HTTPStatus() int }); ok {
		statusCode = se.HTTPStatus()
	}
	return c.Classify(err.Error(), statusCode)
}

func matchesAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func lowerAll(patterns []string) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = strings.ToLower(p)
	}
	return out
}
