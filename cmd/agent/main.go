// Command agent is a headless collaborator used for demos and load checks:
// it joins a session, logs what its peers are doing, and emits synthetic
// cursor traffic.
package main

import (
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/protocol"
	"github.com/agency-collab/backend/internal/session"
	"github.com/agency-collab/backend/internal/transport"
)

func main() {
	url := getEnv("COLLAB_URL", "ws://localhost:8080/api/collab")
	sessionID := getEnv("SESSION_ID", "demo")
	userID := getEnv("USER_ID", "agent-"+uuid.New().String()[:8])
	userName := getEnv("USER_NAME", "Agent "+userID)

	registry := transport.NewRegistry()
	defer registry.Close()

	manager, err := session.NewManager(registry, session.Config{
		URL:       url,
		UserID:    userID,
		UserName:  userName,
		SessionID: sessionID,
		Notify: func(n session.Notice) {
			log.Printf("[%s] %s", n.Kind, n.Message)
		},
		OnEdit: func(peerID string, edit *protocol.EditData) {
			log.Printf("[edit] %s %s %q at %d", peerID, edit.Action, edit.Text, edit.Position)
		},
	})
	if err != nil {
		log.Fatalf("Failed to join session %s: %v", sessionID, err)
	}
	defer manager.Close()

	log.Printf("Joined session %s as %s (%s)", sessionID, userName, userID)

	// Wander the cursor and occasionally report the roster.
	cursorTicker := time.NewTicker(2 * time.Second)
	rosterTicker := time.NewTicker(15 * time.Second)
	defer cursorTicker.Stop()
	defer rosterTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-cursorTicker.C:
			manager.SendCursorPosition(rand.Float64()*1920, rand.Float64()*1080)
		case <-rosterTicker.C:
			users := manager.Users()
			log.Printf("Roster: %d peer(s), connected=%v", len(users), manager.IsConnected())
			for _, u := range users {
				log.Printf("  %s (%s) status=%s", u.Name, u.ID, u.Status)
			}
			if len(users) > 0 {
				manager.UpdatePresence(model.PresenceStatusOnline)
			}
		case <-sigCh:
			log.Println("Leaving session...")
			return
		}
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
