package types

import "time"

// Capabilities advertises what a backend can answer natively.
type Capabilities struct {
	SupportsFullTextSearch bool `json:"supports_full_text_search"`
	SupportsRelationships  bool `json:"supports_relationships"`
	Persistent             bool `json:"persistent"`
	MaxQueryLimit          int  `json:"max_query_limit"`
}

// HealthStatus is the result of a health probe. Probes never fail with an
// error; transport failures surface as Healthy=false.
type HealthStatus struct {
	Healthy        bool                   `json:"healthy"`
	ResponseTimeMS int64                  `json:"response_time_ms"`
	Message        string                 `json:"message,omitempty"`
	Capabilities   Capabilities           `json:"capabilities"`
	Metrics        map[string]interface{} `json:"metrics,omitempty"`
	LastCheck      time.Time              `json:"last_check"`
}
