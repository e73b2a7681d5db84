package server

import (
	"time"

	"github.com/goccy/go-json"

	"breakline/internal/domain"
	"breakline/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Entry    string `json:"entry,omitempty" enum:"reporter,staff"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateReportRequest struct {
	Message string `json:"message"`
}

type EditReportRequest struct {
	Message string `json:"message"`
}

type AssignReportRequest struct {
	TechnicianID string `json:"technicianId"`
}

type ResolveReportRequest struct {
	FixDetails string `json:"fixDetails"`
}

type ProvisionUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role" enum:"technician,manager"`
}

// Responses

type SessionResponse struct {
	Token     string         `json:"token"`
	SessionID string         `json:"sessionId"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Account   domain.Account `json:"account"`
	Route     string         `json:"route"`
}

func sessionResponse(s engine.Session) SessionResponse {
	return SessionResponse{
		Token:     s.Token,
		SessionID: s.ID,
		ExpiresAt: s.ExpiresAt,
		Account:   s.Account,
		Route:     s.Route,
	}
}

type MeResponse struct {
	Account     domain.Account `json:"account"`
	Route       string         `json:"route"`
	Permissions []string       `json:"permissions"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

type UserList struct {
	Items []domain.Account `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type EventPage struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		out.Payload = json.RawMessage(evt.Payload)
	}
	return out
}
