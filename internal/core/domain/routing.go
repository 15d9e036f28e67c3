package domain

import "time"

// RequestDescriptor is the logical call handed to the orchestrator by the
// HTTP layer once a request has been validated.
type RequestDescriptor struct {
	ID           string
	Model        string
	EndpointKind EndpointKind
	Capability   Capability
	Streaming    bool
	Priority     int
	ClientID     string
	Deadline     time.Time
	Bypass       bool // skip breaker admission (diagnostic paths only)
}

// RoutingContext is mutated by the router as it selects and retries servers.
// The HTTP layer surfaces these fields as debug headers when asked.
type RoutingContext struct {
	SelectedServerID     string
	ServerCircuitState   string
	ModelCircuitState    string
	AvailableServerCount int
	RetryCount           int
}

// Candidate is one scored entry in the router's ordered candidate list.
type Candidate struct {
	Server     *Server
	TotalScore float64
	InFlight   int64
}
