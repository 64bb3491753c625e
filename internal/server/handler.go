package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

const discoverySchemaVersion = "2026-02-01"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"agent":       s.engine.AgentURI(),
		"sessions":    s.engine.Store().Len(),
		"connections": s.Count(),
	})
}

type discoveryDoc struct {
	SchemaVersion string        `json:"schemaVersion"`
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	A2ALive       a2aLiveAdvert `json:"a2aLive"`
}

type a2aLiveAdvert struct {
	Supported             bool     `json:"supported"`
	Endpoint              string   `json:"endpoint"`
	MaxSessionDuration    int      `json:"maxSessionDuration"`
	MaxConcurrentSessions int      `json:"maxConcurrentSessions"`
	SupportedCapabilities []string `json:"supportedCapabilities"`
	AuthSchemes           []string `json:"authSchemes"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := s.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	endpoint := "ws" + strings.TrimPrefix(base, "http") + s.path

	auth := []string{"hmac"}
	if len(s.jwtSecret) > 0 {
		auth = []string{"bearer", "hmac"}
	}
	writeJSON(w, http.StatusOK, discoveryDoc{
		SchemaVersion: discoverySchemaVersion,
		Name:          "A2A-Live Reference Agent",
		URL:           base,
		A2ALive: a2aLiveAdvert{
			Supported:             true,
			Endpoint:              endpoint,
			MaxSessionDuration:    int(s.engine.Store().TTL.Seconds()),
			MaxConcurrentSessions: 100,
			SupportedCapabilities: []string{"text", "structured_data"},
			AuthSchemes:           auth,
		},
	})
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
