package adapters

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

// TicketNote is one note on a 311 service request.
type TicketNote struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Ticket is one 311 service request.
type Ticket struct {
	TicketID     string       `json:"ticket_id"`
	Category     string       `json:"category"`
	Description  string       `json:"description"`
	Location     string       `json:"location,omitempty"`
	Status       string       `json:"status"`
	Priority     string       `json:"priority"`
	ContactName  string       `json:"contact_name,omitempty"`
	ContactEmail string       `json:"contact_email,omitempty"`
	ContactPhone string       `json:"contact_phone,omitempty"`
	Notes        []TicketNote `json:"notes"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

const (
	OpListTickets  = "list_tickets"
	OpGetTicket    = "get_ticket"
	OpCreateTicket = "create_ticket"
	OpAddNote      = "add_note"
)

// Service311 is a fixture-backed 311 ticket adapter. Writes deduplicate
// on the idempotency key, mirroring how the real city system behaves,
// so a retried create returns the first ticket instead of filing a
// second one.
type Service311 struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	order   []string
	creates map[string]string // idempotency key -> ticket id
	clock   bridge.Clock
}

// NewService311 builds the fixture adapter. A nil clock selects wall
// time.
func NewService311(clock bridge.Clock) *Service311 {
	s := &Service311{
		tickets: make(map[string]*Ticket),
		creates: make(map[string]string),
		clock:   clock,
	}
	if s.clock == nil {
		s.clock = wall{}
	}
	now := s.clock.Now()
	for _, t := range []*Ticket{
		{TicketID: "SR-2024-001", Category: "pothole", Description: "Large pothole on Main St near intersection with Oak Ave", Location: "123 Main St", Status: "open", Priority: "high", ContactName: "Jane Smith", ContactEmail: "jane@example.com"},
		{TicketID: "SR-2024-002", Category: "streetlight", Description: "Streetlight out on Elm St between 3rd and 4th", Location: "345 Elm St", Status: "in_progress", Priority: "medium", ContactName: "Bob Johnson"},
		{TicketID: "SR-2024-003", Category: "trash", Description: "Missed trash pickup on Pine Rd", Location: "789 Pine Rd", Status: "resolved", Priority: "low", ContactName: "Maria Garcia", ContactEmail: "maria@example.com"},
		{TicketID: "SR-2024-004", Category: "water", Description: "Water main leak on Broadway", Location: "555 Broadway", Status: "open", Priority: "urgent", ContactName: "Downtown Cafe LLC", ContactPhone: "555-0100"},
		{TicketID: "SR-2024-005", Category: "noise", Description: "Construction noise outside permitted hours", Location: "456 Oak Ave", Status: "closed", Priority: "medium", ContactName: "Acme Corp"},
	} {
		t.CreatedAt = now
		t.UpdatedAt = now
		t.Notes = []TicketNote{}
		s.tickets[t.TicketID] = t
		s.order = append(s.order, t.TicketID)
	}
	return s
}

type wall struct{}

func (wall) Now() time.Time { return time.Now() }

func (s *Service311) Name() string { return "service_311" }

func (s *Service311) MinimumClassification() classification.Level {
	return classification.Internal
}

func (s *Service311) HealthCheck(ctx context.Context) bridge.HealthStatus {
	return bridge.HealthStatus{State: bridge.HealthConnected}
}

func (s *Service311) Schema() bridge.AdapterSchema {
	return bridge.AdapterSchema{
		Name:        s.Name(),
		Description: "311 service request system",
		Minimum:     s.MinimumClassification(),
		Operations: []bridge.OperationSchema{
			{
				Name:         OpListTickets,
				Description:  "List tickets, optionally filtered by status or category",
				ParamsSchema: `{"type":"object","properties":{"status":{"type":"string"},"category":{"type":"string"}}}`,
			},
			{
				Name:         OpGetTicket,
				Description:  "Fetch one ticket by its identifier",
				ParamsSchema: `{"type":"object","required":["ticket_id"],"properties":{"ticket_id":{"type":"string","minLength":1}}}`,
			},
			{
				Name:         OpCreateTicket,
				Description:  "File a new service request",
				ParamsSchema: `{"type":"object","required":["category","description"],"properties":{"category":{"type":"string","minLength":1},"description":{"type":"string","minLength":1},"location":{"type":"string"},"contact_name":{"type":"string"},"contact_email":{"type":"string"},"contact_phone":{"type":"string"}}}`,
				Write:        true,
			},
			{
				Name:         OpAddNote,
				Description:  "Append a note to an existing ticket",
				ParamsSchema: `{"type":"object","required":["ticket_id","content"],"properties":{"ticket_id":{"type":"string","minLength":1},"author":{"type":"string"},"content":{"type":"string","minLength":1}}}`,
				Write:        true,
			},
		},
	}
}

func (s *Service311) Query(ctx context.Context, req bridge.Request) (*bridge.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Operation {
	case OpListTickets:
		return s.listTickets(req.Params), nil
	case OpGetTicket:
		return s.getTicket(req.Params)
	case OpCreateTicket:
		return s.createTicket(req), nil
	case OpAddNote:
		return s.addNote(req.Params)
	}
	return nil, bridge.Rejected("unknown operation "+req.Operation, nil)
}

func (s *Service311) listTickets(params map[string]interface{}) *bridge.Response {
	status, _ := params["status"].(string)
	category, _ := params["category"].(string)
	out := make([]Ticket, 0, len(s.order))
	for _, id := range s.order {
		t := s.tickets[id]
		if status != "" && t.Status != status {
			continue
		}
		if category != "" && t.Category != category {
			continue
		}
		out = append(out, *t)
	}
	return s.respond(out)
}

func (s *Service311) getTicket(params map[string]interface{}) (*bridge.Response, error) {
	id, _ := params["ticket_id"].(string)
	t, ok := s.tickets[id]
	if !ok {
		return nil, bridge.Rejected(fmt.Sprintf("ticket %q not found", id), nil)
	}
	return s.respond(*t), nil
}

func (s *Service311) createTicket(req bridge.Request) *bridge.Response {
	if req.IdempotencyKey != "" {
		if id, seen := s.creates[req.IdempotencyKey]; seen {
			return s.respond(*s.tickets[id])
		}
	}
	now := s.clock.Now()
	str := func(key string) string {
		v, _ := req.Params[key].(string)
		return v
	}
	t := &Ticket{
		TicketID:     "SR-" + strings.ToUpper(uuid.NewString()[:8]),
		Category:     str("category"),
		Description:  str("description"),
		Location:     str("location"),
		Status:       "open",
		Priority:     "medium",
		ContactName:  str("contact_name"),
		ContactEmail: str("contact_email"),
		ContactPhone: str("contact_phone"),
		Notes:        []TicketNote{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.tickets[t.TicketID] = t
	s.order = append(s.order, t.TicketID)
	if req.IdempotencyKey != "" {
		s.creates[req.IdempotencyKey] = t.TicketID
	}
	return s.respond(*t)
}

func (s *Service311) addNote(params map[string]interface{}) (*bridge.Response, error) {
	id, _ := params["ticket_id"].(string)
	t, ok := s.tickets[id]
	if !ok {
		return nil, bridge.Rejected(fmt.Sprintf("ticket %q not found", id), nil)
	}
	author, _ := params["author"].(string)
	content, _ := params["content"].(string)
	now := s.clock.Now()
	t.Notes = append(t.Notes, TicketNote{Author: author, Content: content, CreatedAt: now})
	t.UpdatedAt = now
	return s.respond(*t), nil
}

func (s *Service311) respond(data interface{}) *bridge.Response {
	return &bridge.Response{Data: data, Classification: classification.Internal}
}
