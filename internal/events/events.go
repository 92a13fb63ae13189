// Package events defines the JSON event channel: one envelope shape,
// one typed payload per event name, validated at the connection
// boundary before any component sees it.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound event names.
const (
	JoinProject  = "join_project"
	LeaveProject = "leave_project"

	ChatMessage         = "chat:message"
	ConversationMessage = "conversation:message"

	CursorMove    = "cursor:move"
	FileEdit      = "file:edit"
	FileCursor    = "file:cursor"
	FileSaved     = "file:saved"
	BuilderCursor = "builder:cursor"

	TaskCreated   = "task:created"
	TaskUpdated   = "task:updated"
	TaskDeleted   = "task:deleted"
	TaskMoved     = "task:moved"
	ColumnCreated = "column:created"
	ColumnUpdated = "column:updated"
	ColumnDeleted = "column:deleted"

	CallInitiate           = "call:initiate"
	CallJoin               = "call:join"
	CallOffer              = "call:offer"
	CallAnswer             = "call:answer"
	CallIceCandidate       = "call:ice-candidate"
	CallRenegotiate        = "call:renegotiate"
	CallRenegotiateAnswer  = "call:renegotiate-answer"
	CallLeave              = "call:leave"
	CallEnd                = "call:end"
	CallDecline            = "call:decline"
	CallToggleMedia        = "call:toggle-media"
	CallJoinFailed         = "call:join-failed"
)

// Outbound event names.
const (
	PresenceUpdate           = "presence:update"
	ConversationNotification = "conversation:notification"

	CallIncoming    = "call:incoming"
	CallInitiated   = "call:initiated"
	CallJoined      = "call:joined"
	CallUserJoined  = "call:user-joined"
	CallUserLeft    = "call:user-left"
	CallEnded       = "call:ended"
	CallDeclined    = "call:declined"
	CallMediaToggle = "call:media-toggle"

	Error = "error"
)

var (
	ErrUnknownEvent = errors.New("events: unknown event")
	ErrInvalid      = errors.New("events: invalid payload")
)

// Envelope is the wire shape of every JSON channel message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads the server itself built.
func MustEnvelope(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

// User identifies a participant in presence and call payloads.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Color string `json:"color,omitempty"`
}

type ProjectScope struct {
	ProjectID string `json:"projectId"`
}

func (p ProjectScope) validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("projectId required: %w", ErrInvalid)
	}
	return nil
}

type PresenceUpdatePayload struct {
	Scope  string `json:"scope"`
	User   User   `json:"user"`
	Users  []User `json:"users"`
	Action string `json:"action"` // "join" or "leave"
}

type ChatMessagePayload struct {
	ProjectID string          `json:"projectId"`
	Body      json.RawMessage `json:"body"`
}

func (p ChatMessagePayload) validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("projectId required: %w", ErrInvalid)
	}
	return nil
}

type ConversationMessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Participants   []string        `json:"participants,omitempty"`
	Body           json.RawMessage `json:"body"`
}

func (p ConversationMessagePayload) validate() error {
	if p.ConversationID == "" {
		return fmt.Errorf("conversationId required: %w", ErrInvalid)
	}
	return nil
}

// RelayPayload covers the pass-through broadcasts (cursor moves, file
// and builder events, kanban task/column events): a scope plus an
// opaque body the relay never inspects.
type RelayPayload struct {
	ProjectID string          `json:"projectId"`
	FileID    string          `json:"fileId,omitempty"`
	PageID    string          `json:"pageId,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

func (p RelayPayload) validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("projectId required: %w", ErrInvalid)
	}
	return nil
}

type CallType string

const (
	CallTypeVoice CallType = "VOICE"
	CallTypeVideo CallType = "VIDEO"
)

type CallInitiatePayload struct {
	Targets        []string `json:"targets"`
	Type           CallType `json:"type"`
	ProjectID      string   `json:"projectId,omitempty"`
	ConversationID string   `json:"conversationId,omitempty"`
}

func (p CallInitiatePayload) validate() error {
	if len(p.Targets) == 0 {
		return fmt.Errorf("targets required: %w", ErrInvalid)
	}
	if p.Type != CallTypeVoice && p.Type != CallTypeVideo {
		return fmt.Errorf("type must be VOICE or VIDEO: %w", ErrInvalid)
	}
	return nil
}

type CallRefPayload struct {
	CallID string `json:"callId"`
}

func (p CallRefPayload) validate() error {
	if p.CallID == "" {
		return fmt.Errorf("callId required: %w", ErrInvalid)
	}
	return nil
}

// CallSignalPayload carries offer/answer/ICE/renegotiation relays.
// To names the target user; TargetUserID is the legacy alias older
// clients still send.
type CallSignalPayload struct {
	CallID       string          `json:"callId"`
	To           string          `json:"to,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Signal       json.RawMessage `json:"signal"`
}

func (p CallSignalPayload) validate() error {
	if p.CallID == "" {
		return fmt.Errorf("callId required: %w", ErrInvalid)
	}
	if p.To == "" && p.TargetUserID == "" {
		return fmt.Errorf("target user required: %w", ErrInvalid)
	}
	return nil
}

// Target resolves the explicit target with the legacy alias fallback.
func (p CallSignalPayload) Target() string {
	if p.To != "" {
		return p.To
	}
	return p.TargetUserID
}

type CallToggleMediaPayload struct {
	CallID        string `json:"callId"`
	Muted         *bool  `json:"muted,omitempty"`
	VideoOff      *bool  `json:"videoOff,omitempty"`
	ScreenSharing *bool  `json:"screenSharing,omitempty"`
}

func (p CallToggleMediaPayload) validate() error {
	if p.CallID == "" {
		return fmt.Errorf("callId required: %w", ErrInvalid)
	}
	if p.Muted == nil && p.VideoOff == nil && p.ScreenSharing == nil {
		return fmt.Errorf("at least one media flag required: %w", ErrInvalid)
	}
	return nil
}

type CallJoinFailedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason"`
}

func (p CallJoinFailedPayload) validate() error {
	if p.CallID == "" {
		return fmt.Errorf("callId required: %w", ErrInvalid)
	}
	return nil
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type validator interface {
	validate() error
}

var decoders = map[string]func() validator{
	JoinProject:  func() validator { return &ProjectScope{} },
	LeaveProject: func() validator { return &ProjectScope{} },

	ChatMessage:         func() validator { return &ChatMessagePayload{} },
	ConversationMessage: func() validator { return &ConversationMessagePayload{} },

	CursorMove:    func() validator { return &RelayPayload{} },
	FileEdit:      func() validator { return &RelayPayload{} },
	FileCursor:    func() validator { return &RelayPayload{} },
	FileSaved:     func() validator { return &RelayPayload{} },
	BuilderCursor: func() validator { return &RelayPayload{} },

	TaskCreated:   func() validator { return &RelayPayload{} },
	TaskUpdated:   func() validator { return &RelayPayload{} },
	TaskDeleted:   func() validator { return &RelayPayload{} },
	TaskMoved:     func() validator { return &RelayPayload{} },
	ColumnCreated: func() validator { return &RelayPayload{} },
	ColumnUpdated: func() validator { return &RelayPayload{} },
	ColumnDeleted: func() validator { return &RelayPayload{} },

	CallInitiate:          func() validator { return &CallInitiatePayload{} },
	CallJoin:              func() validator { return &CallRefPayload{} },
	CallOffer:             func() validator { return &CallSignalPayload{} },
	CallAnswer:            func() validator { return &CallSignalPayload{} },
	CallIceCandidate:      func() validator { return &CallSignalPayload{} },
	CallRenegotiate:       func() validator { return &CallSignalPayload{} },
	CallRenegotiateAnswer: func() validator { return &CallSignalPayload{} },
	CallLeave:             func() validator { return &CallRefPayload{} },
	CallEnd:               func() validator { return &CallRefPayload{} },
	CallDecline:           func() validator { return &CallRefPayload{} },
	CallToggleMedia:       func() validator { return &CallToggleMediaPayload{} },
	CallJoinFailed:        func() validator { return &CallJoinFailedPayload{} },
}

// Decode parses a raw text frame into the typed payload for its event.
// Unknown events and malformed payloads are rejected here so no
// component downstream handles untyped data.
func Decode(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("missing event name: %w", ErrInvalid)
	}
	mk, ok := decoders[env.Event]
	if !ok {
		return env.Event, nil, fmt.Errorf("%s: %w", env.Event, ErrUnknownEvent)
	}
	payload := mk()
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return env.Event, nil, fmt.Errorf("parse %s payload: %w", env.Event, err)
		}
	}
	if err := payload.validate(); err != nil {
		return env.Event, nil, fmt.Errorf("%s: %w", env.Event, err)
	}
	return env.Event, payload, nil
}
