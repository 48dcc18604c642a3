package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agency-collab/backend/internal/metrics"
	"github.com/agency-collab/backend/internal/model"
	"github.com/agency-collab/backend/internal/repository"
)

// Service manages the server side of collaboration sessions: room
// lifecycle, participant bookkeeping, metrics, and the optional
// cross-instance bridge.
type Service struct {
	hubManager *HubManager
	handler    *Handler
	repo       *repository.SessionRepository
	bridge     *Bridge

	mu sync.Mutex
	// pendingJoins counts joins between hub preparation and registration,
	// per session. A room with a pending join must not be torn down.
	pendingJoins map[string]int
}

// NewService creates a new collaboration service. The repository may be nil,
// in which case no session records are kept.
func NewService(repo *repository.SessionRepository) *Service {
	return &Service{
		hubManager:   NewHubManager(),
		handler:      NewHandler(),
		repo:         repo,
		pendingJoins: make(map[string]int),
	}
}

// EnableBridge mirrors session traffic over Redis pub/sub so participants
// of one session can be spread across server instances.
func (s *Service) EnableBridge(rdb *redis.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = NewBridge(rdb, s.hubManager)
	s.handler.SetOnBroadcast(s.bridge.Publish)
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// HubManager returns the hub manager.
func (s *Service) HubManager() *HubManager {
	return s.hubManager
}

// JoinSession upgrades the request and joins the identified participant to
// the session, creating the room and its bookkeeping record on first join.
func (s *Service) JoinSession(w http.ResponseWriter, r *http.Request, sessionID string, identity Identity) error {
	if identity.UserID == "" {
		return model.ErrUserIDRequired
	}
	if sessionID == "" {
		return model.ErrSessionIDRequired
	}

	if s.repo != nil {
		if err := s.repo.Ensure(r.Context(), sessionID, ""); err != nil {
			// Bookkeeping failure must not block collaboration.
			log.Printf("ws: failed to ensure session record %s: %v", sessionID, err)
		}
	}

	hub := s.prepareHub(sessionID)
	err := s.handler.HandleConnection(w, r, hub, identity)
	s.finishJoin(sessionID, hub)
	return err
}

// Roster returns the identities currently connected to the session.
func (s *Service) Roster(sessionID string) []Identity {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return nil
	}
	return hub.Participants()
}

// ClientCount returns the number of live connections for a session.
func (s *Service) ClientCount(sessionID string) int {
	hub := s.hubManager.Get(sessionID)
	if hub == nil {
		return 0
	}
	return hub.ClientCount()
}

// prepareHub returns the session's hub, creating it and wiring its
// lifecycle callbacks on first join. The join is counted as pending until
// finishJoin, which keeps releaseHub from tearing the room down underneath
// a participant whose connection is still being upgraded.
func (s *Service) prepareHub(sessionID string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingJoins[sessionID]++

	if hub := s.hubManager.Get(sessionID); hub != nil {
		return hub
	}

	hub := s.hubManager.GetOrCreate(sessionID)
	hub.SetOnMembership(func(participants int) {
		s.recordMembership(sessionID, participants)
	})
	hub.SetOnEmpty(func() {
		s.releaseHub(sessionID)
	})

	if s.bridge != nil {
		s.bridge.Subscribe(sessionID)
	}
	metrics.ActiveSessions.Set(float64(len(s.hubManager.SessionIDs())))
	log.Printf("ws: session %s opened", sessionID)
	return hub
}

// finishJoin settles a pending join. If the upgrade failed and left the room
// empty, the room is torn down here.
func (s *Service) finishJoin(sessionID string, hub *Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pendingJoins[sessionID]--
	if s.pendingJoins[sessionID] <= 0 {
		delete(s.pendingJoins, sessionID)
	}

	if s.pendingJoins[sessionID] == 0 && s.hubManager.Get(sessionID) == hub && !hub.HasClients() {
		s.removeHubLocked(sessionID)
	}
}

// recordMembership updates session activity bookkeeping and gauges after a
// participant joins or leaves.
func (s *Service) recordMembership(sessionID string, participants int) {
	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.RecordParticipants(ctx, sessionID, participants); err != nil && !errors.Is(err, model.ErrSessionNotFound) {
			log.Printf("ws: failed to record participants for %s: %v", sessionID, err)
		}
	}
	metrics.ConnectedClients.Set(float64(s.totalClients()))
}

// releaseHub tears down the room once the last participant has left. A room
// that picked up a new client or has a join still in flight is kept.
func (s *Service) releaseHub(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingJoins[sessionID] > 0 {
		return
	}
	hub := s.hubManager.Get(sessionID)
	if hub == nil || hub.HasClients() {
		return
	}
	s.removeHubLocked(sessionID)
}

func (s *Service) removeHubLocked(sessionID string) {
	s.hubManager.Remove(sessionID)
	if s.bridge != nil {
		s.bridge.Unsubscribe(sessionID)
	}
	metrics.ActiveSessions.Set(float64(len(s.hubManager.SessionIDs())))
	log.Printf("ws: session %s closed", sessionID)
}

func (s *Service) totalClients() int {
	total := 0
	for _, id := range s.hubManager.SessionIDs() {
		if hub := s.hubManager.Get(id); hub != nil {
			total += hub.ClientCount()
		}
	}
	return total
}

// Close closes all rooms and the bridge.
func (s *Service) Close() {
	s.mu.Lock()
	bridge := s.bridge
	s.bridge = nil
	s.mu.Unlock()

	if bridge != nil {
		bridge.Close()
	}
	s.hubManager.Close()
}
