// Package devserver is a self-contained development backend exposing
// the same REST and websocket surface the production backend serves.
// It exists so a client can be exercised end to end without external
// infrastructure; state lives in memory and dies with the process.
package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"ripple/internal/remote"
	"ripple/internal/ripple"
)

// Server serves the sync API over an in-memory backend.
type Server struct {
	backend  *remote.MemoryRemote
	logger   ripple.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

func New(backend *remote.MemoryRemote, logger ripple.Logger) *Server {
	if logger == nil {
		logger = ripple.NewNopLogger()
	}
	s := &Server{
		backend: backend,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/{collection}", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/{collection}", s.handleQuery).Methods(http.MethodGet)
	api.HandleFunc("/{collection}/{id}", s.handleUpdate).Methods(http.MethodPut)
	api.HandleFunc("/{collection}/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/ws", s.handleWS)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// entityFromCollection maps a plural URL segment like "posts" to its
// entity type.
func entityFromCollection(collection string) (ripple.EntityType, error) {
	singular := strings.TrimSuffix(collection, "s")
	if singular == collection {
		return "", fmt.Errorf("unknown collection: %s", collection)
	}
	entity := ripple.EntityType(singular)
	switch entity {
	case ripple.EntityPost, ripple.EntityComment, ripple.EntityLike,
		ripple.EntityProfile, ripple.EntityMessage, ripple.EntityConversation:
		return entity, nil
	}
	return "", fmt.Errorf("unknown collection: %s", collection)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	entity, err := entityFromCollection(mux.Vars(r)["collection"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	token := r.Header.Get("Idempotency-Key")
	if token == "" {
		http.Error(w, "missing Idempotency-Key header", http.StatusBadRequest)
		return
	}

	payload, err := s.readPayload(r, entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.backend.Create(r.Context(), entity, token, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Debug("created", "entity", entity, "id", id)
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity, err := entityFromCollection(vars["collection"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	payload, err := s.readPayload(r, entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.backend.Update(r.Context(), entity, vars["id"], payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": vars["id"]})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entity, err := entityFromCollection(vars["collection"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.backend.Delete(r.Context(), entity, vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": vars["id"]})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	entity, err := entityFromCollection(mux.Vars(r)["collection"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	filter := ripple.Filter{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}
	docs, err := s.backend.Query(r.Context(), entity, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if docs == nil {
		docs = []json.RawMessage{}
	}
	s.writeJSON(w, http.StatusOK, docs)
}

// handleWS upgrades and bridges a backend stream onto the socket. One
// connection serves one topic.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")

	var (
		ch  <-chan ripple.StreamEvent
		err error
	)
	switch topic {
	case "messages":
		convID := r.URL.Query().Get("conversation")
		if convID == "" {
			http.Error(w, "missing conversation parameter", http.StatusBadRequest)
			return
		}
		ch, err = s.backend.ListenMessages(r.Context(), convID)
	case "conversations":
		userID := r.URL.Query().Get("user")
		if userID == "" {
			http.Error(w, "missing user parameter", http.StatusBadRequest)
			return
		}
		ch, err = s.backend.ListenConversations(r.Context(), userID)
	default:
		http.Error(w, "unknown topic: "+topic, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range ch {
		if ev.Err != nil {
			continue
		}
		frame := map[string]any{}
		if ev.Messages != nil {
			frame["messages"] = ev.Messages
		}
		if ev.Conversations != nil {
			frame["conversations"] = ev.Conversations
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (s *Server) readPayload(r *http.Request, entity ripple.EntityType) (ripple.Payload, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return ripple.DecodePayload(entity, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("writing response failed", "error", err)
	}
}

// writeError maps classified backend errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if ripple.IsTerminal(err) {
		status = http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
	}
	http.Error(w, err.Error(), status)
}
