package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radianlabs/clinical-insights/backend/internal/domain/entities"
	apperrors "github.com/radianlabs/clinical-insights/backend/pkg/errors"
)

// IntroMessage opens every new session. It is served locally, without a
// provider round trip.
const IntroMessage = "Hello, Doctor. What would you like to know today?"

// Session binds one conversation to one patient. All access goes through the
// service, which serializes it.
type Session struct {
	ID           string
	PatientID    string
	CreatedAt    time.Time
	LastActivity time.Time
	conversation *entities.Conversation
}

// SessionService owns conversation state for active sessions. The store is
// process-local; a restart ends all sessions, which matches how the client
// treats them.
type SessionService struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionService creates a new session service. Sessions idle longer than
// ttl are dropped on sweep; a zero ttl disables expiry.
func NewSessionService(ttl time.Duration) *SessionService {
	return &SessionService{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create starts a session for a patient. The conversation opens with the
// intro message so the first replayed turn pattern stays user-first (the
// intro is skipped on replay).
func (s *SessionService) Create(ctx context.Context, patientID string) (*Session, error) {
	if patientID == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := &Session{
		ID:           uuid.New().String(),
		PatientID:    patientID,
		CreatedAt:    now,
		LastActivity: now,
		conversation: entities.NewConversation(),
	}
	session.conversation.Append(entities.ConversationTurn{
		Role:    entities.RoleAssistant,
		Content: IntroMessage,
	})
	s.sessions[session.ID] = session
	return session, nil
}

// Get returns the session or a not-found error.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("session not found")
	}
	return session, nil
}

// History returns a snapshot of the session's full conversation.
func (s *SessionService) History(ctx context.Context, sessionID string) ([]entities.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("session not found")
	}
	return session.conversation.History(), nil
}

// ReplayHistory returns the session's turns shaped for a generation provider.
func (s *SessionService) ReplayHistory(ctx context.Context, sessionID string) ([]entities.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("session not found")
	}
	return session.conversation.ReplayHistory(), nil
}

// RecordExchange appends a question/answer pair atomically. The exchange is
// all or nothing: the log never holds a question without its answer.
func (s *SessionService) RecordExchange(ctx context.Context, sessionID, question, answer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return apperrors.NewNotFoundError("session not found")
	}

	session.conversation.Append(entities.ConversationTurn{Role: entities.RoleUser, Content: question})
	session.conversation.Append(entities.ConversationTurn{Role: entities.RoleAssistant, Content: answer})
	session.LastActivity = s.now()
	return nil
}

// BeginExchange appends the user question and returns a rollback function
// for use when generation fails mid-stream.
func (s *SessionService) BeginExchange(ctx context.Context, sessionID, question string) (rollback func(), commit func(answer string), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil, apperrors.NewNotFoundError("session not found")
	}

	mark := session.conversation.Len()
	session.conversation.Append(entities.ConversationTurn{Role: entities.RoleUser, Content: question})

	rollback = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		session.conversation.Truncate(mark)
	}
	commit = func(answer string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		session.conversation.Append(entities.ConversationTurn{Role: entities.RoleAssistant, Content: answer})
		session.LastActivity = s.now()
	}
	return rollback, commit, nil
}

// Sweep removes sessions idle past the ttl and reports how many were
// dropped.
func (s *SessionService) Sweep(ctx context.Context) int {
	if s.ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	removed := 0
	for id, session := range s.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
