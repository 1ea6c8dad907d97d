// Package conversation implements the Conversation Store: conversation
// metadata, its state machine, the pending-approval inbox, and the
// maintenance sweep that expires stale state.
package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// State is a conversation's position in the negotiation state machine.
type State string

const (
	StateProposed    State = "proposed"
	StateNegotiating State = "negotiating"
	StateConfirmed   State = "confirmed"
	StateRejected    State = "rejected"
	StateExpired     State = "expired"
)

func (s State) isTerminal() bool {
	switch s {
	case StateConfirmed, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// allowedTransitions is the normative transition table from §4.8.
var allowedTransitions = map[State]map[State]bool{
	StateProposed: {
		StateNegotiating: true,
		StateConfirmed:   true,
		StateRejected:    true,
		StateExpired:     true,
	},
	StateNegotiating: {
		StateConfirmed: true,
		StateRejected:  true,
		StateExpired:   true,
	},
}

// ErrInvalidTransition is returned by Transition for disallowed moves.
var ErrInvalidTransition = fmt.Errorf("invalid conversation state transition")

// ErrNotFound is returned when an operation targets an unknown conversation
// or pending approval id.
var ErrNotFound = fmt.Errorf("not found")

// Conversation is the persisted metadata for one conversation.
type Conversation struct {
	ID            string    `json:"id"`
	State         State     `json:"state"`
	Intent        string    `json:"intent,omitempty"`
	Initiator     string    `json:"initiator"`
	Recipient     string    `json:"recipient"`
	Participants  []string  `json:"participants,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	MessageCount  int       `json:"messageCount"`
}

// CreateOptions supplies the fields set at conversation creation.
type CreateOptions struct {
	Intent       string
	Initiator    string
	Recipient    string
	Participants []string
}

// Store is the file-backed conversation store for one node's data directory.
type Store struct {
	dir    string
	expiry time.Duration

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// Open loads persisted conversation metadata from dir/conversations.
func Open(dir string, expiry time.Duration) (*Store, error) {
	convDir := filepath.Join(dir, "conversations")
	if err := os.MkdirAll(convDir, 0700); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}

	s := &Store{dir: convDir, expiry: expiry, conversations: make(map[string]*Conversation)}

	files, err := filepath.Glob(filepath.Join(convDir, "*.meta.json"))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var c Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		s.conversations[c.ID] = &c
	}
	return s, nil
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) persist(c *Conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	path := s.metaPath(c.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Create registers a new conversation in state "proposed".
func (s *Store) Create(id string, opts CreateOptions) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[id]; exists {
		return nil, fmt.Errorf("conversation already exists: %s", id)
	}

	now := time.Now().UTC()
	c := &Conversation{
		ID:           id,
		State:        StateProposed,
		Intent:       opts.Intent,
		Initiator:    opts.Initiator,
		Recipient:    opts.Recipient,
		Participants: opts.Participants,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(s.expiry),
	}

	if err := s.persist(c); err != nil {
		return nil, err
	}
	s.conversations[id] = c
	return c, nil
}

// Transition moves the conversation id to newState if allowed by the
// transition table. Disallowed moves return ErrInvalidTransition without
// mutating state.
func (s *Store) Transition(id string, newState State) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	if c.State.isTerminal() {
		return nil, ErrInvalidTransition
	}
	if !allowedTransitions[c.State][newState] {
		return nil, ErrInvalidTransition
	}

	c.State = newState
	c.UpdatedAt = time.Now().UTC()
	c.ExpiresAt = c.UpdatedAt.Add(s.expiry)

	if err := s.persist(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Append adds env to the conversation's append-only jsonl log and bumps its
// message count and activity timestamp.
func (s *Store) Append(id string, env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	f, err := os.OpenFile(s.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append conversation log: %w", err)
	}

	c.MessageCount++
	c.UpdatedAt = time.Now().UTC()
	if !c.State.isTerminal() {
		c.ExpiresAt = c.UpdatedAt.Add(s.expiry)
	}
	return s.persist(c)
}

// Get returns a copy of the conversation for id.
func (s *Store) Get(id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SweepExpired marks every non-terminal conversation whose expiry has
// passed as expired, returning the ids that changed.
func (s *Store) SweepExpired() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var expired []string
	for id, c := range s.conversations {
		if c.State.isTerminal() {
			continue
		}
		if now.After(c.ExpiresAt) {
			c.State = StateExpired
			c.UpdatedAt = now
			if err := s.persist(c); err != nil {
				return expired, err
			}
			expired = append(expired, id)
		}
	}
	return expired, nil
}
