package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/realtime"
	"chatsync/internal/rest"
	"chatsync/internal/roomsync"
	"chatsync/internal/token"
)

func main() {
	configPath := flag.String("config", "chatsync.yaml", "Client config file")
	email := flag.String("email", "", "Login email (overrides config)")
	password := flag.String("password", "", "Login password")
	roomID := flag.String("room", "", "Room id to open; omit to list rooms")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		// Config file is optional; fall back to defaults.
		cfg = &config.Client{
			ServerURL: "http://localhost:8080",
			BridgeURL: "ws://localhost:8080/ws",
		}
	}
	if *email != "" {
		cfg.Email = *email
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = ".chatsync-token.json"
	}

	tokens := token.NewStore(token.NewFileStore(cfg.TokenFile))
	client := rest.NewClient(cfg.ServerURL, tokens)

	ctx := context.Background()
	if tokens.Access() == "" {
		if cfg.Email == "" || *password == "" {
			log.Fatal("not logged in: pass -email and -password")
		}
		if err := client.Login(ctx, cfg.Email, *password); err != nil {
			log.Fatal("login failed: ", err)
		}
		fmt.Println("logged in")
	}

	if *roomID == "" {
		listRooms(ctx, client)
		return
	}
	openRoom(cfg, tokens, client, *roomID)
}

func listRooms(ctx context.Context, client *rest.Client) {
	rooms, err := client.Rooms(ctx)
	if err != nil {
		log.Fatal("room list failed: ", err)
	}
	if len(rooms) == 0 {
		fmt.Println("no rooms")
		return
	}
	for _, room := range rooms {
		fmt.Printf("%s  %-20s unread=%d  %s\n", room.RoomID, room.Name, room.UnreadCount, room.LastMessage)
	}
}

func openRoom(cfg *config.Client, tokens *token.Store, client *rest.Client, roomID string) {
	b := bus.New()
	manager := realtime.NewManager(tokens, cfg.BridgeURL)
	defer manager.Close()

	rooms := roomsync.NewRoomList(manager, client, tokens, b)
	defer rooms.Close()

	roomName := roomID
	if summary, ok := rooms.Room(roomID); ok {
		roomName = summary.Name
	}

	session := roomsync.NewRoomSession(roomID, roomName, rooms, client, b, tokens)
	defer session.Close()

	printed := 0
	session.SetOnChange(func() {
		msgs := session.Messages()
		if printed > len(msgs) {
			// History load replaced the buffer; reprint from the top.
			printed = 0
		}
		for _, msg := range msgs[printed:] {
			marker := ""
			if msg.Pending {
				marker = " (sending...)"
			}
			fmt.Printf("[%s] %s: %s%s\n", msg.SentAt.Format("15:04:05"), msg.SenderName, msg.Content, marker)
		}
		printed = len(msgs)
	})

	// Open once the bridge is ready; reopen attempts are harmless no-ops.
	cancelWatch := manager.Watch(func(state realtime.State) {
		if state.Ready {
			if err := session.Open(state); err != nil {
				log.Print("open failed: ", err)
			}
		}
	})
	defer cancelWatch()

	cancelDeleted := b.Subscribe(bus.RoomDeleted, func(ev bus.Event) {
		if ev.RoomID == roomID {
			fmt.Println("room was deleted, leaving")
			os.Exit(0)
		}
	})
	defer cancelDeleted()

	// Leave cleanly on Ctrl-C; the deferred Close publishes the Leave.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		session.Close()
		manager.Close()
		os.Exit(0)
	}()

	fmt.Printf("joined %s; type to chat, Ctrl-C to leave\n", roomName)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !session.Send(scanner.Text()) {
			fmt.Println("(not sent: empty message or not connected)")
		}
	}
}
