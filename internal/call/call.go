// Package call implements the call record state machine and the
// WebRTC signaling relay between participants' devices.
package call

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/craftroom/relay/internal/events"
)

type Status string

const (
	StatusRinging  Status = "RINGING"
	StatusOngoing  Status = "ONGOING"
	StatusEnded    Status = "ENDED"
	StatusDeclined Status = "DECLINED"
)

var (
	ErrNotFound          = errors.New("call: not found")
	ErrInvalidTransition = errors.New("call: invalid status transition")
	ErrNotParticipant    = errors.New("call: user is not a participant")
	ErrDeclineTooLate    = errors.New("call: decline only allowed while ringing with at most two participants")
)

// Participant is one user's membership in a call. Leaving and
// rejoining reuses the same record.
type Participant struct {
	UserID        string     `json:"userId"`
	JoinedAt      time.Time  `json:"joinedAt"`
	LeftAt        *time.Time `json:"leftAt,omitempty"`
	Muted         bool       `json:"muted"`
	VideoOff      bool       `json:"videoOff"`
	ScreenSharing bool       `json:"screenSharing"`
}

// Call is the per-call record: type, status state machine, initiator,
// and participants keyed by user.
type Call struct {
	mu sync.Mutex

	ID             string
	Type           events.CallType
	Status         Status
	InitiatorID    string
	ProjectID      string
	ConversationID string
	CreatedAt      time.Time
	EndedAt        *time.Time

	participants map[string]*Participant
	order        []string // join order, for stable listings
	history      []Status
}

func newCall(id string, typ events.CallType, initiatorID, projectID, conversationID string, now time.Time) *Call {
	c := &Call{
		ID:             id,
		Type:           typ,
		Status:         StatusRinging,
		InitiatorID:    initiatorID,
		ProjectID:      projectID,
		ConversationID: conversationID,
		CreatedAt:      now,
		participants:   make(map[string]*Participant),
		history:        []Status{StatusRinging},
	}
	c.participants[initiatorID] = &Participant{UserID: initiatorID, JoinedAt: now}
	c.order = append(c.order, initiatorID)
	return c
}

func (c *Call) transition(to Status) error {
	valid := false
	switch c.Status {
	case StatusRinging:
		valid = to == StatusOngoing || to == StatusEnded || to == StatusDeclined
	case StatusOngoing:
		valid = to == StatusEnded
	}
	if !valid {
		return fmt.Errorf("%s -> %s: %w", c.Status, to, ErrInvalidTransition)
	}
	c.Status = to
	c.history = append(c.history, to)
	return nil
}

// join is idempotent per user: a returning participant's record is
// updated in place, never duplicated.
func (c *Call) join(userID string, now time.Time) (first bool) {
	p, ok := c.participants[userID]
	if ok {
		p.JoinedAt = now
		p.LeftAt = nil
	} else {
		c.participants[userID] = &Participant{UserID: userID, JoinedAt: now}
		c.order = append(c.order, userID)
	}
	if c.Status == StatusRinging && userID != c.InitiatorID {
		// First callee joining answers the call.
		c.transition(StatusOngoing)
		return true
	}
	return false
}

func (c *Call) leave(userID string, now time.Time) (lastOut bool, err error) {
	p, ok := c.participants[userID]
	if !ok {
		return false, fmt.Errorf("user %s in call %s: %w", userID, c.ID, ErrNotParticipant)
	}
	if p.LeftAt == nil {
		t := now
		p.LeftAt = &t
	}
	for _, q := range c.participants {
		if q.LeftAt == nil {
			return false, nil
		}
	}
	return true, nil
}

func (c *Call) activeCount() int {
	n := 0
	for _, p := range c.participants {
		if p.LeftAt == nil {
			n++
		}
	}
	return n
}

// Participants lists the records in join order.
func (c *Call) Participants() []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Participant, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.participants[id])
	}
	return out
}

// History returns the status sequence the call has moved through.
func (c *Call) History() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, len(c.history))
	copy(out, c.history)
	return out
}

// Snapshot is the JSON shape mirrored to the store and served by the
// lookup API.
type Snapshot struct {
	ID             string          `json:"id"`
	Type           events.CallType `json:"type"`
	Status         Status          `json:"status"`
	InitiatorID    string          `json:"initiatorId"`
	ProjectID      string          `json:"projectId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
	Participants   []Participant   `json:"participants"`
}

func (c *Call) snapshotLocked() Snapshot {
	parts := make([]Participant, 0, len(c.order))
	for _, id := range c.order {
		parts = append(parts, *c.participants[id])
	}
	return Snapshot{
		ID:             c.ID,
		Type:           c.Type,
		Status:         c.Status,
		InitiatorID:    c.InitiatorID,
		ProjectID:      c.ProjectID,
		ConversationID: c.ConversationID,
		CreatedAt:      c.CreatedAt,
		EndedAt:        c.EndedAt,
		Participants:   parts,
	}
}

func (c *Call) SnapshotNow() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}
