package domain

// ErrorKind is the canonical classification of an upstream failure. It drives
// both circuit breaker backoff and failover routing decisions.
type ErrorKind string

const (
	ErrorKindRetryable    ErrorKind = "retryable"
	ErrorKindNonRetryable ErrorKind = "non-retryable"
	ErrorKindTransient    ErrorKind = "transient"
	ErrorKindPermanent    ErrorKind = "permanent"
	ErrorKindRateLimited  ErrorKind = "rateLimited"
)

func (k ErrorKind) String() string {
	return string(k)
}

// Valid reports whether k is one of the five canonical kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorKindRetryable, ErrorKindNonRetryable, ErrorKindTransient,
		ErrorKindPermanent, ErrorKindRateLimited:
		return true
	}
	return false
}

// ModelType is the inferred or probed capability of a model.
type ModelType string

const (
	ModelTypeGeneration ModelType = "generation"
	ModelTypeEmbedding  ModelType = "embedding"
)

// Capability selects which upstream dialect a request needs.
type Capability string

const (
	CapabilityOllama   Capability = "ollama"
	CapabilityOpenAI   Capability = "openai"
	CapabilityGenerate Capability = "generate"
)

// EndpointKind identifies the logical operation behind a routed request.
type EndpointKind string

const (
	EndpointGenerate    EndpointKind = "generate"
	EndpointChat        EndpointKind = "chat"
	EndpointEmbeddings  EndpointKind = "embeddings"
	EndpointCompletions EndpointKind = "completions"
	EndpointPassthrough EndpointKind = "passthrough"
)
