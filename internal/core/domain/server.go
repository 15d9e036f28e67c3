package domain

import (
	"fmt"
	"regexp"
	"time"
)

const (
	StatusStringHealthy   = "healthy"
	StatusStringUnhealthy = "unhealthy"
	StatusStringUnknown   = "unknown"

	MaxServerIDLength  = 100
	MaxModelNameLength = 200
	MinMaxConcurrency  = 1
	MaxMaxConcurrency  = 1000
	DefaultConcurrency = 10
)

var (
	serverIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)
	modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_:./-]{1,200}$`)
)

type ServerStatus string

const (
	StatusHealthy   ServerStatus = StatusStringHealthy
	StatusUnhealthy ServerStatus = StatusStringUnhealthy
	StatusUnknown   ServerStatus = StatusStringUnknown
)

func (s ServerStatus) String() string {
	return string(s)
}

func (s ServerStatus) IsRoutable() bool {
	return s == StatusHealthy
}

// LoadedModel is the hardware telemetry reported by /api/ps for one model.
type LoadedModel struct {
	Name      string    `json:"name"`
	Digest    string    `json:"digest,omitempty"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Server is one upstream inference backend in the fleet.
type Server struct {
	ID             string
	URL            string
	BearerToken    string // literal or "env:NAME" indirection
	MaxConcurrency int
	SupportsOllama bool
	SupportsV1     bool
	Status         ServerStatus
	Models         []string // Ollama model names from the last successful check
	V1Models       []string // /v1 model ids from the last successful check
	LoadedModels   []LoadedModel
	TotalVRAMUsed  int64
	LastChecked    time.Time
	LastLatency    time.Duration
	FailureCount   int
	Draining       bool
	Maintenance    bool
}

// HasModel reports whether the server advertises the model for the given capability.
func (s *Server) HasModel(model string, capability Capability) bool {
	inOllama := containsString(s.Models, model)
	inV1 := containsString(s.V1Models, model)

	switch capability {
	case CapabilityOpenAI:
		return inV1
	case CapabilityGenerate:
		return inOllama || inV1
	default:
		return inOllama
	}
}

func (s *Server) Clone() *Server {
	clone := *s
	clone.Models = append([]string(nil), s.Models...)
	clone.V1Models = append([]string(nil), s.V1Models...)
	clone.LoadedModels = append([]LoadedModel(nil), s.LoadedModels...)
	return &clone
}

// ValidateServerID enforces the admin schema for server identifiers.
func ValidateServerID(id string) error {
	if !serverIDPattern.MatchString(id) {
		return fmt.Errorf("server id must match [A-Za-z0-9_-]{1,%d}: %q", MaxServerIDLength, id)
	}
	return nil
}

// ValidateModelName enforces the admin schema for model names.
func ValidateModelName(name string) error {
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("model name must match [A-Za-z0-9_:./-]{1,%d}: %q", MaxModelNameLength, name)
	}
	return nil
}

// ValidateServer checks a server definition before it is admitted to the registry.
func ValidateServer(s *Server) error {
	if err := ValidateServerID(s.ID); err != nil {
		return err
	}
	if s.URL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	if s.MaxConcurrency < MinMaxConcurrency || s.MaxConcurrency > MaxMaxConcurrency {
		return fmt.Errorf("max concurrency must be within [%d, %d], got %d",
			MinMaxConcurrency, MaxMaxConcurrency, s.MaxConcurrency)
	}
	if !s.SupportsOllama && !s.SupportsV1 {
		return fmt.Errorf("server must support at least one of the ollama or /v1 surfaces")
	}
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
