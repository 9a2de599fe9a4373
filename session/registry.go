package session

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDuplicateClient  = errors.New("client_id already registered")
	ErrDuplicateSession = errors.New("session already exists")
)

// Registry holds the test sessions known to the server.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	byClient map[string]string
	validate *validator.Validate
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{
		sessions: make(map[string]Session),
		byClient: make(map[string]string),
		validate: validate,
	}
}

// Validate checks a registration without storing it.
func (r *Registry) Validate(reg Registration) error {
	if err := r.validate.Struct(reg); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}
	return nil
}

// Create validates and stores a session. The id defaults to a random UUID
// and the client_id defaults to the session id.
func (r *Registry) Create(reg Registration) (Session, error) {
	if err := r.Validate(reg); err != nil {
		return Session{}, err
	}
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.ClientID == "" {
		reg.ClientID = reg.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[reg.ID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, reg.ID)
	}
	if _, exists := r.byClient[reg.ClientID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateClient, reg.ClientID)
	}

	sess := Session{Registration: reg, CreatedAt: time.Now()}
	r.sessions[reg.ID] = sess
	r.byClient[reg.ClientID] = reg.ID
	return sess, nil
}

// Get retrieves a session by id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

// FindByClientID retrieves the session registered for clientID.
func (r *Registry) FindByClientID(clientID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byClient[clientID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return r.sessions[id], nil
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
