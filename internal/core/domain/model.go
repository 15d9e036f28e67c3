package domain

import (
	"strings"
	"time"
)

const LatestTag = "latest"

// ModelInfo is one entry in an aggregated model catalogue. Servers lists the
// ids of every backend that advertises the model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Digest     string    `json:"digest,omitempty"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Servers    []string  `json:"servers"`
}

// MergeKey is the key models are deduplicated under when catalogues from
// several servers are merged: name:digest when a digest is present, else name.
func (m *ModelInfo) MergeKey() string {
	if m.Digest != "" {
		return m.Name + ":" + m.Digest
	}
	return m.Name
}

// ResolveModelName applies the implicit-latest rule: a bare "m" resolves to
// "m:latest" when only the tagged form is known.
func ResolveModelName(requested string, known func(string) bool) string {
	if known(requested) {
		return requested
	}
	if !strings.Contains(requested, ":") {
		tagged := requested + ":" + LatestTag
		if known(tagged) {
			return tagged
		}
	}
	return requested
}

// embeddingNamePatterns is the fixed list used to infer a model's type from
// its name when no probe has confirmed it.
var embeddingNamePatterns = []string{
	"embed", "nomic-embed", "bge-", "gte-", "e5-", "all-minilm",
	"all-mpnet", "sentence", "text-embedding", "pygmalion",
}

// LooksLikeEmbeddingModel reports whether the model name matches the fixed
// embedding pattern list.
func LooksLikeEmbeddingModel(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range embeddingNamePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// InferModelType maps a model name to its assumed type.
func InferModelType(name string) ModelType {
	if LooksLikeEmbeddingModel(name) {
		return ModelTypeEmbedding
	}
	return ModelTypeGeneration
}
