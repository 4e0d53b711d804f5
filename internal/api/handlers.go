package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/velocode/internal/db"
	"github.com/manpreetbhatti/velocode/internal/protocol"
	"github.com/manpreetbhatti/velocode/internal/review"
	"github.com/manpreetbhatti/velocode/internal/ws"
)

const reviewTimeout = 90 * time.Second

type API struct {
	hub      *ws.Hub
	database *db.Database
	reviewer review.Reviewer
	logger   *slog.Logger
	now      func() time.Time
}

// New builds the HTTP surface. reviewer may be nil, in which case code
// review answers 503.
func New(hub *ws.Hub, database *db.Database, reviewer review.Reviewer, logger *slog.Logger) *API {
	return &API{
		hub:      hub,
		database: database,
		reviewer: reviewer,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes registers every handler on r
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{id}/sessions", a.ListSessionsHandler).Methods(http.MethodGet)

	r.HandleFunc("/api/code-review", a.CodeReviewHandler).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": a.now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"joined_clients": a.hub.GetJoinedClientCount(),
		"tagged_rooms":   a.hub.GetTaggedRoomCount(),
		"timestamp":      a.now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats()
	if err != nil {
		a.logger.Error("failed to read ledger stats", "error", err)
	} else {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_sessions"] = dbStats["session_count"]
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	LastActiveAt *time.Time        `json:"last_active_at,omitempty"`
	ActiveUsers  int               `json:"active_users"`
	Language     string            `json:"language,omitempty"`
	Members      []protocol.Member `json:"members,omitempty"`
	SessionCount int               `json:"session_count,omitempty"`
}

type CreateRoomRequest struct {
	Name string `json:"name,omitempty"`
}

func roomResponse(room *db.Room) RoomResponse {
	return RoomResponse{
		ID:           room.ID,
		Name:         room.Name,
		CreatedAt:    &room.CreatedAt,
		LastActiveAt: &room.LastActiveAt,
	}
}

// CreateRoomHandler mints a new invitation token
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := uuid.NewString()
	if err := a.database.CreateRoom(id, req.Name, a.now()); err != nil {
		a.logger.Error("failed to create room", "room_id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	room, err := a.database.GetRoom(id)
	if err != nil || room == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, roomResponse(room))
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.logger.Error("failed to list rooms", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i := range rooms {
		response[i] = roomResponse(&rooms[i])
		response[i].ActiveUsers = activeRooms[rooms[i].ID]
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRoomHandler merges the ledger row with the live view of the room
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		a.logger.Error("failed to get room", "room_id", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	members := a.hub.Members(roomID)
	if room == nil && len(members) == 0 {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomResponse{ID: roomID}
	if room != nil {
		response = roomResponse(room)
		response.SessionCount, _ = a.database.GetSessionCount(roomID)
	}
	response.ActiveUsers = len(members)
	response.Members = members
	if tag, ok := a.hub.Language(roomID); ok {
		response.Language = tag
	}

	jsonResponse(w, http.StatusOK, response)
}

// DeleteRoomHandler forgets a room's ledger history. A room with live
// members is refused, since the journal would recreate it on the next event.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	if members := a.hub.Members(roomID); len(members) > 0 {
		errorResponse(w, http.StatusConflict, "Room has active members")
		return
	}

	if err := a.database.DeleteRoom(roomID); err != nil {
		a.logger.Error("failed to delete room", "room_id", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

func (a *API) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	limit, offset := pagination(r, 50)

	sessions, err := a.database.ListSessions(roomID, limit, offset)
	if err != nil {
		a.logger.Error("failed to list sessions", "room_id", roomID, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}

	total, _ := a.database.GetSessionCount(roomID)

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// Code review

type CodeReviewRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (a *API) CodeReviewHandler(w http.ResponseWriter, r *http.Request) {
	if a.reviewer == nil {
		errorResponse(w, http.StatusServiceUnavailable, "Code review is not configured")
		return
	}

	var req CodeReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		errorResponse(w, http.StatusBadRequest, "Code is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), reviewTimeout)
	defer cancel()

	reply, err := a.reviewer.Review(ctx, req.Code, req.Language)
	if err != nil {
		a.logger.Error("failed to generate code review", "language", req.Language, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to generate code review")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"review": review.Clean(reply)})
}
