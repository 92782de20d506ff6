package main

import (
	"context"
	"log"
	"net/http"

	"chatsync/internal/api"
	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/hub"
	"chatsync/internal/store"
	"chatsync/internal/ws"
)

func main() {
	cfg := config.LoadServer()
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	st, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis: ", err)
	}
	defer st.Close()

	issuer := auth.NewIssuer([]byte(cfg.JWTSecret), cfg.Issuer)
	users := auth.NewUsers(st.Redis())

	// Create hub
	h := hub.New()
	go h.Run()

	// Bridge redis pub/sub into the hub
	go store.SubscribeToEvents(context.Background(), st, h)

	// Routes
	router := api.NewRouter(api.NewHandler(st, users, issuer))
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(h, st, issuer, w, r)
	})

	log.Printf("chatd starting on :%s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, router))
}
