// Package api exposes the backend's REST surface: auth, room listing and
// detail, history snapshots, and room lifecycle.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/store"
)

type contextKey string

const claimsKey contextKey = "claims"

// Handler carries the API dependencies.
type Handler struct {
	store  *store.Store
	users  *auth.Users
	issuer *auth.Issuer
}

func NewHandler(st *store.Store, users *auth.Users, issuer *auth.Issuer) *Handler {
	return &Handler{store: st, users: users, issuer: issuer}
}

type registerRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "email and password required")
		return
	}

	user, err := h.users.Register(r.Context(), req.Email, req.Name, req.Password)
	if errors.Is(err, auth.ErrUserExists) {
		writeJSONError(w, http.StatusConflict, "user already exists")
		return
	}
	if err != nil {
		slog.Error("[API] Register failed", "email", req.Email, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "registration failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		slog.Error("[API] Login failed", "email", req.Email, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}

	access, err := h.issuer.AccessToken(user.ID, user.Name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	refresh, err := h.issuer.RefreshToken(user.ID, user.Name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, models.LoginResponse{AccessToken: access, RefreshToken: refresh})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := h.issuer.ValidateRefresh(req.RefreshToken)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	access, err := h.issuer.AccessToken(claims.Subject, claims.Name)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, models.RefreshResponse{AccessToken: access})
}

// Rooms lists the viewer's room summaries.
func (h *Handler) Rooms(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	rooms, err := h.store.RoomSummaries(r.Context(), claims.Subject)
	if err != nil {
		slog.Error("[API] Room list failed", "user", claims.Subject, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "room list failed")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// RoomUser resolves one membership reference to a room summary.
func (h *Handler) RoomUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	ref := mux.Vars(r)["chatroomUserId"]

	roomID, userID, ok := store.SplitParticipantRef(ref)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid membership reference")
		return
	}
	// The reference is resolvable by either party of the room, but the
	// summary is always projected for the caller.
	if userID != claims.Subject {
		if member, err := h.store.IsMember(r.Context(), roomID, claims.Subject); err != nil || !member {
			writeJSONError(w, http.StatusForbidden, "not a member of room")
			return
		}
	}

	summary, err := h.store.RoomSummary(r.Context(), roomID, claims.Subject)
	if errors.Is(err, store.ErrRoomNotFound) {
		writeJSONError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		slog.Error("[API] Room detail failed", "user", claims.Subject, "room", roomID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "room detail failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// History returns the room's message snapshot in arrival order.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req models.HistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomID == "" {
		writeJSONError(w, http.StatusBadRequest, "roomId required")
		return
	}

	member, err := h.store.IsMember(r.Context(), req.RoomID, claims.Subject)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "membership check failed")
		return
	}
	if !member {
		writeJSONError(w, http.StatusForbidden, "not a member of room")
		return
	}

	history, err := h.store.History(r.Context(), req.RoomID)
	if err != nil {
		slog.Error("[API] History failed", "room", req.RoomID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "history failed")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type createRoomRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

// CreateRoom opens a room between the caller and the listed members.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name required")
		return
	}

	members := append([]string{claims.Subject}, req.MemberIDs...)
	roomID, err := h.store.CreateRoom(r.Context(), req.Name, members...)
	if err != nil {
		slog.Error("[API] Room creation failed", "user", claims.Subject, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "room creation failed")
		return
	}

	// Tell every member's feed about the new room.
	for _, member := range members {
		h.store.PublishRoomEvent(r.Context(), member, models.RoomEvent{
			RoomID:         roomID,
			UnreadCount:    0,
			ParticipantRef: store.ParticipantRef(roomID, member),
		})
	}
	writeJSON(w, http.StatusCreated, map[string]string{"roomId": roomID})
}

// DeleteRoom removes a room and pushes a deletion event to every member, so
// open views can navigate away without announcing a leave.
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	roomID := mux.Vars(r)["roomId"]

	member, err := h.store.IsMember(r.Context(), roomID, claims.Subject)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "membership check failed")
		return
	}
	if !member {
		writeJSONError(w, http.StatusForbidden, "not a member of room")
		return
	}

	members, err := h.store.DeleteRoom(r.Context(), roomID)
	if err != nil {
		slog.Error("[API] Room deletion failed", "room", roomID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "room deletion failed")
		return
	}
	for _, m := range members {
		h.store.PublishRoomEvent(r.Context(), m, models.RoomEvent{
			RoomID:         roomID,
			ParticipantRef: store.ParticipantRef(roomID, m),
			Deleted:        true,
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// Authenticate wraps a handler with bearer-token validation.
func (h *Handler) Authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if tokenString == "" {
			writeJSONError(w, http.StatusUnauthorized, "token required")
			return
		}
		claims, err := h.issuer.ValidateAccess(tokenString)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	}
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
