package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the REST routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/auth/register", h.Register).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", h.Refresh).Methods(http.MethodPost)

	r.HandleFunc("/chatrooms", h.Authenticate(h.Rooms)).Methods(http.MethodGet)
	r.HandleFunc("/chatrooms", h.Authenticate(h.CreateRoom)).Methods(http.MethodPost)
	r.HandleFunc("/chatrooms/{roomId}", h.Authenticate(h.DeleteRoom)).Methods(http.MethodDelete)
	r.HandleFunc("/chatroom/users/{chatroomUserId}", h.Authenticate(h.RoomUser)).Methods(http.MethodGet)
	r.HandleFunc("/messages/history", h.Authenticate(h.History)).Methods(http.MethodPost)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return r
}
