package main

import (
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	db, err := NewDatabase(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	defer db.Close()

	if err := db.CreateTables(); err != nil {
		log.Fatal("Failed to create tables:", err)
	}

	auth := NewAuthManager(db, cfg.JWTSecret, cfg.TokenTTL)

	// Room socket allows several tabs per user; global socket keeps one.
	roomRegistry := NewRegistry(multiConnection)
	globalRegistry := NewRegistry(singleConnection)
	presence := NewPresenceTracker()

	roomBus := NewBroadcaster(roomRegistry, presence)
	globalBus := NewBroadcaster(globalRegistry, presence)

	// Presence transitions fan out over the global socket, excluding the
	// user whose state changed.
	globalRegistry.OnOnline(func(userID int) {
		globalBus.BroadcastToAll(EventUserOnline, map[string]interface{}{"user_id": userID}, userID)
	})
	globalRegistry.OnOffline(func(userID int) {
		db.UpdateUserLastSeen(userID)
		globalBus.BroadcastToAll(EventUserOffline, map[string]interface{}{"user_id": userID}, userID)
	})
	globalRegistry.OnReplaced(func(userID int, t Transport) {
		t.Close()
	})

	sysmsg := NewSystemMessageEmitter(db, roomBus, globalBus)
	chat := NewChatSessionManager(db, cfg, roomBus, globalBus, sysmsg)
	ws := NewWSServer(cfg, auth, chat, db, roomRegistry, globalRegistry, presence, roomBus, globalBus)

	server := NewServer(db, auth, chat, ws)
	router := server.RegisterRoutes()

	// Sweep overdue join requests in the background.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := db.ExpirePendingJoinRequests(); err != nil {
				log.Printf("Expiring join requests: %v", err)
			} else if n > 0 {
				log.Printf("Expired %d join requests", n)
			}
		}
	}()

	handler := corsMiddleware(router)

	log.Printf("Chat server starting on %s", cfg.Addr)
	log.Printf("WebSocket endpoints: ws://localhost%s/ws and /ws/global", cfg.Addr)

	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		log.Fatal("Server failed:", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
