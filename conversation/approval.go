package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// Approval is a pending human-in-the-loop decision on an inbound envelope.
type Approval struct {
	ID           string             `json:"id"` // equals the triggering envelope's id
	Envelope     *envelope.Envelope `json:"envelope"`
	ApprovalText string             `json:"approvalText"`
	CreatedAt    time.Time          `json:"createdAt"`
	Resolved     bool               `json:"resolved"`
	Approved     bool               `json:"approved"`
	HumanReply   string             `json:"humanReply,omitempty"`
	ResolvedAt   *time.Time         `json:"resolvedAt,omitempty"`
	Notified     bool               `json:"notified"`
}

// ApprovalConfig tunes the approval inbox. TTL is how long an unresolved
// approval lives before auto-reject. PurgeAfter is how long a resolved
// approval is retained before being purged from disk.
type ApprovalConfig struct {
	TTL         time.Duration
	PurgeAfter  time.Duration
}

// ApprovalInbox is the file-backed pending-approval store.
type ApprovalInbox struct {
	dir string
	cfg ApprovalConfig

	mu        sync.Mutex
	approvals map[string]*Approval
	order     []string // creation order, for same-conversation processing order
}

// OpenApprovalInbox loads persisted approvals from dir/pending.
func OpenApprovalInbox(dir string, cfg ApprovalConfig) (*ApprovalInbox, error) {
	pendingDir := filepath.Join(dir, "pending")
	if err := os.MkdirAll(pendingDir, 0700); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}

	inbox := &ApprovalInbox{dir: pendingDir, cfg: cfg, approvals: make(map[string]*Approval)}

	files, err := filepath.Glob(filepath.Join(pendingDir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	var loaded []*Approval
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var a Approval
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		loaded = append(loaded, &a)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].CreatedAt.Before(loaded[j].CreatedAt) })
	for _, a := range loaded {
		inbox.approvals[a.ID] = a
		inbox.order = append(inbox.order, a.ID)
	}
	return inbox, nil
}

func (inbox *ApprovalInbox) path(id string) string {
	return filepath.Join(inbox.dir, id+".json")
}

func (inbox *ApprovalInbox) persist(a *Approval) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	path := inbox.path(a.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Create registers a new pending approval for env, keyed on the envelope id.
func (inbox *ApprovalInbox) Create(env *envelope.Envelope, approvalText string) (*Approval, error) {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	a := &Approval{
		ID:           env.ID,
		Envelope:     env,
		ApprovalText: approvalText,
		CreatedAt:    time.Now().UTC(),
	}
	if err := inbox.persist(a); err != nil {
		return nil, err
	}
	inbox.approvals[a.ID] = a
	inbox.order = append(inbox.order, a.ID)
	return a, nil
}

// resolve is shared by Approve/Reject: atomically replaces the approval
// file with its resolved state.
func (inbox *ApprovalInbox) resolve(id string, approved bool, reply string) (*Approval, error) {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	a, ok := inbox.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Resolved {
		return a, nil
	}

	now := time.Now().UTC()
	a.Resolved = true
	a.Approved = approved
	a.HumanReply = reply
	a.ResolvedAt = &now

	if err := inbox.persist(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Approve marks the approval as approved, optionally carrying an operator
// reply used to build the outbound response envelope.
func (inbox *ApprovalInbox) Approve(id, reply string) (*Approval, error) {
	return inbox.resolve(id, true, reply)
}

// Reject marks the approval as rejected.
func (inbox *ApprovalInbox) Reject(id, reason string) (*Approval, error) {
	return inbox.resolve(id, false, reason)
}

// MarkNotified records that the operator has been notified of this
// approval's terminal state, so it fires at most once.
func (inbox *ApprovalInbox) MarkNotified(id string) error {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	a, ok := inbox.approvals[id]
	if !ok {
		return ErrNotFound
	}
	if a.Notified {
		return nil
	}
	a.Notified = true
	return inbox.persist(a)
}

// Get returns a copy of the approval for id.
func (inbox *ApprovalInbox) Get(id string) (*Approval, error) {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	a, ok := inbox.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// Pending returns all unresolved approvals in creation order.
func (inbox *ApprovalInbox) Pending() []*Approval {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	var out []*Approval
	for _, id := range inbox.order {
		a, ok := inbox.approvals[id]
		if ok && !a.Resolved {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// Sweep auto-rejects unresolved approvals older than cfg.TTL and purges
// resolved approvals older than cfg.PurgeAfter. Returns the ids
// auto-rejected.
func (inbox *ApprovalInbox) Sweep() ([]string, error) {
	inbox.mu.Lock()
	defer inbox.mu.Unlock()

	now := time.Now().UTC()
	var autoRejected []string
	var survivors []string

	for _, id := range inbox.order {
		a, ok := inbox.approvals[id]
		if !ok {
			continue
		}

		if !a.Resolved && now.Sub(a.CreatedAt) > inbox.cfg.TTL {
			a.Resolved = true
			a.Approved = false
			a.HumanReply = "auto-rejected: approval TTL expired"
			a.ResolvedAt = &now
			if err := inbox.persist(a); err != nil {
				return autoRejected, err
			}
			autoRejected = append(autoRejected, id)
		}

		if a.Resolved && a.ResolvedAt != nil && now.Sub(*a.ResolvedAt) > inbox.cfg.PurgeAfter {
			if err := os.Remove(inbox.path(id)); err != nil && !os.IsNotExist(err) {
				return autoRejected, err
			}
			delete(inbox.approvals, id)
			continue
		}

		survivors = append(survivors, id)
	}
	inbox.order = survivors

	return autoRejected, nil
}
