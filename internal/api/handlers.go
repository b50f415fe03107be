package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/codepair/internal/relay"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	indexText = "Collaborative Coding + Video Chat Server is running!"
)

// Documents is the read side of the document store
type Documents interface {
	ListDocuments(limit, offset int) ([]relay.DocumentInfo, error)
	DocumentInfo(roomID string) (relay.DocumentInfo, bool, error)
	DocumentCount() (int, error)
}

type API struct {
	hub            *ws.Hub
	relay          *relay.Relay
	docs           Documents
	allowedOrigins []string
}

func New(hub *ws.Hub, r *relay.Relay, docs Documents, allowedOrigins []string) *API {
	return &API{
		hub:            hub,
		relay:          r,
		docs:           docs,
		allowedOrigins: allowedOrigins,
	}
}

// Router wires every endpoint, including the websocket upgrade on /ws
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", a.IndexHandler).Methods(http.MethodGet)
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return a.corsMiddleware(r)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) IndexHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(indexText))
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if count, err := a.docs.DocumentCount(); err == nil {
		stats["stored_documents"] = count
	} else {
		log.Printf("Failed to count documents: %v", err)
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string     `json:"id"`
	Length      int        `json:"length"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	ActiveUsers int        `json:"active_users"`
}

type RoomDetailResponse struct {
	RoomResponse
	Code string `json:"code"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	docs, err := a.docs.ListDocuments(limit, offset)
	if err != nil {
		log.Printf("Failed to list documents: %v", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(docs))
	for i, doc := range docs {
		updatedAt := doc.UpdatedAt
		response[i] = RoomResponse{
			ID:          doc.RoomID,
			Length:      doc.Length,
			UpdatedAt:   &updatedAt,
			ActiveUsers: activeRooms[doc.RoomID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	if roomID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	info, hasDoc, err := a.docs.DocumentInfo(roomID)
	if err != nil {
		log.Printf("Failed to load document info for room %s: %v", roomID, err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	members := a.hub.GetActiveRooms()[roomID]
	if !hasDoc && members == 0 {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	code, _ := a.relay.Snapshot(roomID)
	response := RoomDetailResponse{
		RoomResponse: RoomResponse{
			ID:          roomID,
			Length:      info.Length,
			ActiveUsers: members,
		},
		Code: code,
	}
	if hasDoc {
		response.UpdatedAt = &info.UpdatedAt
	}

	jsonResponse(w, http.StatusOK, response)
}

func (a *API) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := a.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed.
func (a *API) allowOrigin(origin string) string {
	if len(a.allowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range a.allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
