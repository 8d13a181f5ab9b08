package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

type Server struct {
	hub  *Hub
	http *http.Server
}

func NewServer(hub *Hub, addr string) *Server {
	s := &Server{hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscribe", s.handleSubscribe)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           cors.AllowAll().Handler(mux),
		ReadHeaderTimeout: 5 * time.Second,
		// sin WriteTimeout: los streams SSE viven lo que viva el cliente
	}
	return s
}

func (s *Server) ListenAndServe() error              { return s.http.ListenAndServe() }
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

// GET /subscribe?id=<subscriberId> abre el stream SSE del suscriptor. Si ya
// tenia uno abierto, el hub lo reemplaza y el viejo se cierra solo.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id requerido", http.StatusBadRequest)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming no soportado", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.hub.Subscribe(id)
	defer s.hub.Unsubscribe(sub)
	log.Info().Str("subscriber", id).Msg("subscribed")

	fmt.Fprint(w, ": connected\n\n")
	fl.Flush()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// el cliente corto; el hub olvida esta conexion en el defer
			log.Info().Str("subscriber", id).Msg("disconnected")
			return
		case <-sub.Done():
			return
		case n := <-sub.Events():
			sub.lastEventID = n.ID
			data, err := json.Marshal(n)
			if err != nil {
				log.Error().Err(err).Msg("marshal notification failed")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.ID, n.Kind, data)
			fl.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		}
	}
}
