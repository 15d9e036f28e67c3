package domain

import "strings"

// BreakerKey identifies a circuit breaker. A server-level breaker is keyed by
// the server id alone; a model-level breaker by "serverID:model". The first
// colon splits the two parts; the model portion may itself contain colons
// and is reassembled verbatim.
type BreakerKey string

func ServerBreakerKey(serverID string) BreakerKey {
	return BreakerKey(serverID)
}

func ModelBreakerKey(serverID, model string) BreakerKey {
	return BreakerKey(serverID + ":" + model)
}

// Split returns the server id and, for model-level keys, the model name.
func (k BreakerKey) Split() (serverID, model string) {
	s := string(k)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// IsServerLevel reports whether the key has no model part.
func (k BreakerKey) IsServerLevel() bool {
	return !strings.ContainsRune(string(k), ':')
}

func (k BreakerKey) ServerID() string {
	id, _ := k.Split()
	return id
}

func (k BreakerKey) Model() string {
	_, model := k.Split()
	return model
}

func (k BreakerKey) String() string {
	return string(k)
}
