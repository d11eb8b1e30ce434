package adapter

import (
	"net/http"

	"github.com/google/uuid"
)

// NewID generates a correlation id with a readable prefix, e.g.
// "run-5f3a...". Used for runs, threads, messages and requests.
func NewID(prefix string) string {
	id := uuid.New().String()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// BuildHeaders constructs the outbound header set for a config: JSON
// content type, bearer auth when a token is configured, then any custom
// headers (custom headers win on conflict).
func BuildHeaders(cfg Config) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}
	return h
}
