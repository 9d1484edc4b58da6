package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Stub) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Stub) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"sketch":  s.Simulator.Sketch().Name(),
		"paused":  s.Simulator.Paused(),
		"clients": len(s.Transport.Meta().Clients),
	})
}

func (s *Stub) HandlePins(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Simulator.Board.Snapshot())
}

func (s *Stub) HandlePin(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")
	state, ok := s.Simulator.Board.Get(pin)
	if !ok {
		http.Error(w, "Unknown pin "+pin, http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pin": pin, "state": state})
}

// HandlePinEvents streams state changes of one pin as Server-Sent Events.
func (s *Stub) HandlePinEvents(w http.ResponseWriter, r *http.Request) {
	pin := chi.URLParam(r, "pin")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("Streaming unsupported", "pin", pin)
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := NewSSEClient(w, flusher, r.RemoteAddr)
	if state, ok := s.Simulator.Board.Get(pin); ok {
		if err := client.Send(s.Simulator.pinStateMessage(pin, state)); err != nil {
			return
		}
	}

	s.Simulator.Broker.Subscribe(pin, client)
	defer s.Simulator.Broker.Unsubscribe(pin, client)

	<-r.Context().Done()
}
