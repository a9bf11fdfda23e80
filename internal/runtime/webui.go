package runtime

import (
	"net/http"
	"strings"

	"github.com/drblury/commandflow/internal/runtime/codec"
)

// StartWebUIServer mounts the read-only statistics API on the web UI port.
// The server itself starts with the service.
func (s *Service) StartWebUIServer() {
	if s.Conf == nil || !s.Conf.WebUI.Enabled {
		return
	}

	port := s.Conf.WebUI.Port
	if port == 0 {
		port = 8081
	}

	s.RegisterHTTPHandler(port, "/api/stats", s.jsonEndpoint(func() any { return s.Stats() }))
	s.RegisterHTTPHandler(port, "/api/commands", s.jsonEndpoint(func() any { return s.Commands() }))
}

func (s *Service) jsonEndpoint(collect func() any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.Conf != nil && len(s.Conf.WebUI.CORSAllowedOrigins) > 0 {
			origin := r.Header.Get("Origin")
			allowedOrigin := s.getAllowedCORSOrigin(origin)
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet, http.MethodHead:
		default:
			w.Header().Set("Allow", "GET, HEAD, OPTIONS")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := codec.WriteJSON(w, collect()); err != nil {
			s.Logger.Error("Failed to encode statistics", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// getAllowedCORSOrigin checks if the request origin is allowed and returns the appropriate
// Access-Control-Allow-Origin value.
func (s *Service) getAllowedCORSOrigin(requestOrigin string) string {
	if s.Conf == nil {
		return ""
	}
	for _, allowed := range s.Conf.WebUI.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
