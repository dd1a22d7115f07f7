package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Tyrowin/lifesync/internal/chat"
	"github.com/Tyrowin/lifesync/internal/entitysync"
	"github.com/Tyrowin/lifesync/internal/events"
	"github.com/Tyrowin/lifesync/internal/store"
)

// originHeader carries the realtime connection id of the device that made a
// REST mutation, so its own echo can be recognised.
const originHeader = "X-Connection-ID"

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type recordResponse struct {
	ID        string            `json:"id"`
	Kind      events.EntityKind `json:"kind"`
	Data      json.RawMessage   `json:"data"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

type chatResponse struct {
	ID            string     `json:"id"`
	Kind          chat.Kind  `json:"kind"`
	Participants  []string   `json:"participants,omitempty"`
	LastMessageID string     `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type privateChatRequest struct {
	UserID string `json:"userId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func toRecordResponse(rec entitysync.Record) recordResponse {
	return recordResponse{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Data:      rec.Data,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func toChatResponse(room chat.Room) chatResponse {
	resp := chatResponse{
		ID:            room.ID,
		Kind:          room.Kind,
		Participants:  room.Participants,
		LastMessageID: room.LastMessageID,
		CreatedAt:     room.CreatedAt,
	}
	if !room.LastMessageAt.IsZero() {
		at := room.LastMessageAt
		resp.LastMessageAt = &at
	}
	return resp
}

// serviceError maps a domain error to an HTTP response.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, entitysync.ErrNotFound), errors.Is(err, chat.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, events.CodeNotFound, "not found")
	case errors.Is(err, entitysync.ErrInvalidData), errors.Is(err, store.ErrSelfChat):
		writeError(w, http.StatusBadRequest, events.CodeBadRequest, err.Error())
	case errors.Is(err, chat.ErrNotParticipant):
		writeError(w, http.StatusForbidden, events.CodeForbidden, "not a participant of this chat")
	default:
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, events.CodeStorage, "internal error")
	}
}

// handleHealth reports whether the record store answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.gateway.Connections(),
	})
}

func entityKind(w http.ResponseWriter, r *http.Request) (events.EntityKind, bool) {
	kind, err := events.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, events.CodeNotFound, "unknown entity kind")
		return 0, false
	}
	return kind, true
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, events.CodeBadRequest, "request body could not be read")
		return nil, false
	}
	return body, true
}

// GET /api/v1/entities/{kind}
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	records, err := s.entities.List(r.Context(), id.ID, kind)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/v1/entities/{kind}
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	rec, err := s.entities.Create(r.Context(), id.ID, kind, body, r.Header.Get(originHeader))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordResponse(rec))
}

// PUT /api/v1/entities/{kind}/{id}
func (s *Server) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	rec, err := s.entities.Update(r.Context(), id.ID, kind, chi.URLParam(r, "id"), body, r.Header.Get(originHeader))
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

// DELETE /api/v1/entities/{kind}/{id}
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	if err := s.entities.Delete(r.Context(), id.ID, kind, chi.URLParam(r, "id"), r.Header.Get(originHeader)); err != nil {
		s.serviceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/chats
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	rooms, err := s.store.RoomsFor(r.Context(), id.ID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	out := make([]chatResponse, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, toChatResponse(room))
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /api/v1/chats/private
func (s *Server) handleCreatePrivateChat(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	var req privateChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, events.CodeBadRequest, "invalid JSON body")
		return
	}
	room, err := s.store.PrivateRoom(r.Context(), id.ID, req.UserID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(room))
}

// GET /api/v1/chats/{id}/messages?limit=N
func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	roomID := chi.URLParam(r, "id")
	room, err := s.store.Room(r.Context(), roomID)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	if !room.Allows(id.ID) {
		s.serviceError(w, r, chat.ErrNotParticipant)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, events.CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := s.store.Messages(r.Context(), roomID, limit)
	if err != nil {
		s.serviceError(w, r, err)
		return
	}
	out := make([]events.ChatMessagePayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Payload())
	}
	writeJSON(w, http.StatusOK, out)
}
