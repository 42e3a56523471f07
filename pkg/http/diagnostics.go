package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"rtcbridge-server/pkg/rtpproxy"
)

// RelayDiagnostics exposes the relay introspection commands used by the
// diagnostics endpoints.
type RelayDiagnostics interface {
	GetSessionStats(ctx context.Context) (string, error)
	GetSessionDetail(ctx context.Context, callID, fromTag, toTag string) (*rtpproxy.SessionDetail, error)
}

// SetRelayDiagnostics enables the /relay/* diagnostics endpoints.
func (s *Server) SetRelayDiagnostics(relay RelayDiagnostics) {
	s.relay = relay
}

func (s *Server) relayStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "relay diagnostics not configured", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := s.relay.GetSessionStats(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Relay stats query failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"stats": stats})
}

// relaySessionHandler reports the packet counters of a single relay session,
// identified by call_id, from_tag and optionally to_tag query parameters.
func (s *Server) relaySessionHandler(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "relay diagnostics not configured", http.StatusNotFound)
		return
	}

	callID := r.URL.Query().Get("call_id")
	fromTag := r.URL.Query().Get("from_tag")
	toTag := r.URL.Query().Get("to_tag")
	if callID == "" || fromTag == "" {
		http.Error(w, "call_id and from_tag are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	detail, err := s.relay.GetSessionDetail(ctx, callID, fromTag, toTag)
	if err != nil {
		s.logger.WithError(err).Warn("Relay session query failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(detail)
}
