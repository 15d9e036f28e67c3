package breaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ollamux/ollamux/internal/core/domain"
)

func newTestClassifier() *Classifier {
	return NewClassifier(
		[]string{"authentication", "unauthorized", "not found", "out of memory"},
		[]string{"disk full", "no space left"},
		[]string{"timeout", "econnrefused", "service unavailable"},
	)
}

func TestClassifier_RuleOrder(t *testing.T) {
	c := newTestClassifier()

	tests := []struct {
		name       string
		message    string
		statusCode int
		wantKind   domain.ErrorKind
		wantBreak  bool
		capability bool
	}{
		{
			name:       "capability mismatch never breaks",
			message:    `model "nomic-embed-text" does not support generate`,
			statusCode: 400,
			wantKind:   domain.ErrorKindNonRetryable,
			wantBreak:  false,
			capability: true,
		},
		{
			name:      "auth pattern is non-retryable",
			message:   "authentication failed for upstream",
			wantKind:  domain.ErrorKindNonRetryable,
			wantBreak: true,
		},
		{
			name:       "401 without pattern is non-retryable",
			message:    "upstream rejected request",
			statusCode: 401,
			wantKind:   domain.ErrorKindNonRetryable,
			wantBreak:  true,
		},
		{
			name:      "disk full is permanent",
			message:   "write failed: disk full",
			wantKind:  domain.ErrorKindPermanent,
			wantBreak: true,
		},
		{
			name:       "429 is rate limited",
			message:    "upstream says slow down",
			statusCode: 429,
			wantKind:   domain.ErrorKindRateLimited,
			wantBreak:  true,
		},
		{
			name:      "rate limit message without status",
			message:   "rate limit exceeded",
			wantKind:  domain.ErrorKindRateLimited,
			wantBreak: true,
		},
		{
			name:      "connection refused is transient",
			message:   "dial tcp: ECONNREFUSED",
			wantKind:  domain.ErrorKindTransient,
			wantBreak: true,
		},
		{
			name:       "bare 500 is retryable",
			message:    "internal server error",
			statusCode: 500,
			wantKind:   domain.ErrorKindRetryable,
			wantBreak:  true,
		},
		{
			name:      "unknown error falls back to retryable",
			message:   "something odd happened",
			wantKind:  domain.ErrorKindRetryable,
			wantBreak: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.message, tt.statusCode)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantBreak, got.ShouldCircuitBreak)
			assert.Equal(t, tt.capability, got.CapabilityError)
		})
	}
}

func TestClassifier_PrecedenceOverStatus(t *testing.T) {
	c := newTestClassifier()

	// a non-retryable pattern wins even when the status code says 429
	got := c.Classify("out of memory loading model", 429)
	assert.Equal(t, domain.ErrorKindNonRetryable, got.Kind)

	// a transient pattern wins over the 5xx bucket
	got = c.Classify("upstream timeout", 503)
	assert.Equal(t, domain.ErrorKindTransient, got.Kind)
}

func TestClassifier_CaseInsensitive(t *testing.T) {
	c := newTestClassifier()
	got := c.Classify("UNAUTHORIZED: bad token", 0)
	assert.Equal(t, domain.ErrorKindNonRetryable, got.Kind)
}

func TestClassifier_ClassifyError(t *testing.T) {
	c := newTestClassifier()

	got := c.ClassifyError(nil)
	assert.False(t, got.ShouldCircuitBreak)

	serr := &domain.ServerError{
		Err:        errors.New("too many requests"),
		ServerID:   "gpu-01",
		StatusCode: 429,
	}
	got = c.ClassifyError(serr)
	assert.Equal(t, domain.ErrorKindRateLimited, got.Kind)
}

func TestClassifier_Deterministic(t *testing.T) {
	c := newTestClassifier()
	first := c.Classify("service unavailable", 503)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify("service unavailable", 503))
	}
}
