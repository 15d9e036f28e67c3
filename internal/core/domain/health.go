package domain

import "time"

// HealthResult is the outcome of one full server health check: overall
// verdict plus whatever the auxiliary probes managed to collect.
type HealthResult struct {
	Healthy       bool
	Latency       time.Duration
	OllamaModels  []string
	V1Models      []string
	LoadedModels  []LoadedModel
	TotalVRAMUsed int64
	Err           error
}
