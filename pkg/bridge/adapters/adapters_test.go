package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestPermitStatusLookupByID(t *testing.T) {
	a := NewPermitStatus()

	resp, err := a.Query(context.Background(), bridge.Request{
		Operation: OpLookupByID,
		Params:    map[string]interface{}{"permit_id": "BP-2024-001"},
	})
	require.NoError(t, err)
	permit, ok := resp.Data.(Permit)
	require.True(t, ok)
	assert.Equal(t, "Jane Smith", permit.Applicant)
	assert.Equal(t, classification.Sensitive, resp.Classification)

	resp, err = a.Query(context.Background(), bridge.Request{
		Operation: OpLookupByID,
		Params:    map[string]interface{}{"permit_id": "BP-9999-000"},
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Data)
}

func TestPermitStatusLookupByParcel(t *testing.T) {
	a := NewPermitStatus()

	resp, err := a.Query(context.Background(), bridge.Request{
		Operation: OpLookupByParcel,
		Params:    map[string]interface{}{"parcel_id": "12-34-100-001"},
	})
	require.NoError(t, err)
	permits, ok := resp.Data.([]Permit)
	require.True(t, ok)
	assert.Len(t, permits, 2)
}

func TestPermitStatusLookupByApplicantIsCaseInsensitive(t *testing.T) {
	a := NewPermitStatus()

	resp, err := a.Query(context.Background(), bridge.Request{
		Operation: OpLookupByApplicant,
		Params:    map[string]interface{}{"applicant": "acme"},
	})
	require.NoError(t, err)
	permits := resp.Data.([]Permit)
	assert.Len(t, permits, 2)
}

func TestPermitStatusUnknownOperation(t *testing.T) {
	a := NewPermitStatus()
	_, err := a.Query(context.Background(), bridge.Request{Operation: "tear_down"})
	require.Error(t, err)
	assert.Equal(t, bridge.KindRejected, bridge.KindOf(err))
}

func TestService311ListAndFilter(t *testing.T) {
	a := NewService311(fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})

	resp, err := a.Query(context.Background(), bridge.Request{Operation: OpListTickets, Params: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Len(t, resp.Data.([]Ticket), 5)

	resp, err = a.Query(context.Background(), bridge.Request{
		Operation: OpListTickets,
		Params:    map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Data.([]Ticket), 2)

	resp, err = a.Query(context.Background(), bridge.Request{
		Operation: OpListTickets,
		Params:    map[string]interface{}{"category": "water"},
	})
	require.NoError(t, err)
	tickets := resp.Data.([]Ticket)
	require.Len(t, tickets, 1)
	assert.Equal(t, "SR-2024-004", tickets[0].TicketID)
}

func TestService311CreateDeduplicatesOnIdempotencyKey(t *testing.T) {
	a := NewService311(fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})

	params := map[string]interface{}{
		"category":    "pothole",
		"description": "Sinkhole forming on 5th Ave",
		"location":    "500 5th Ave",
	}
	first, err := a.Query(context.Background(), bridge.Request{
		Operation: OpCreateTicket, Params: params, IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	created := first.Data.(Ticket)

	// The retried write reuses the key and must not file twice.
	second, err := a.Query(context.Background(), bridge.Request{
		Operation: OpCreateTicket, Params: params, IdempotencyKey: "idem-1", Attempt: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, created.TicketID, second.Data.(Ticket).TicketID)

	list, err := a.Query(context.Background(), bridge.Request{Operation: OpListTickets, Params: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Len(t, list.Data.([]Ticket), 6)
}

func TestService311AddNote(t *testing.T) {
	a := NewService311(fixedClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)})

	resp, err := a.Query(context.Background(), bridge.Request{
		Operation: OpAddNote,
		Params: map[string]interface{}{
			"ticket_id": "SR-2024-001",
			"author":    "dispatcher",
			"content":   "Crew scheduled for Tuesday",
		},
	})
	require.NoError(t, err)
	ticket := resp.Data.(Ticket)
	require.Len(t, ticket.Notes, 1)
	assert.Equal(t, "dispatcher", ticket.Notes[0].Author)

	_, err = a.Query(context.Background(), bridge.Request{
		Operation: OpAddNote,
		Params:    map[string]interface{}{"ticket_id": "SR-0000-000", "content": "x"},
	})
	require.Error(t, err)
	assert.Equal(t, bridge.KindRejected, bridge.KindOf(err))
}

func TestHTTPAdapterQuerySendsIdempotencyKey(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{
		Name:    "records",
		BaseURL: srv.URL,
		Minimum: classification.Internal,
		Operations: []bridge.OperationSchema{
			{Name: "lookup", Write: false},
		},
	}, srv.Client())
	require.NoError(t, err)

	resp, err := a.Query(context.Background(), bridge.Request{
		Operation:      "lookup",
		Params:         map[string]interface{}{"id": "r-1"},
		IdempotencyKey: "idem-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "idem-9", gotKey)
	assert.Equal(t, "/lookup", gotPath)
	assert.Equal(t, map[string]interface{}{"ok": true}, resp.Data)
	assert.Equal(t, classification.Internal, resp.Classification)
}

func TestHTTPAdapterMapsStatusCodes(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{Name: "records", BaseURL: srv.URL, Minimum: classification.Internal}, srv.Client())
	require.NoError(t, err)

	_, err = a.Query(context.Background(), bridge.Request{Operation: "lookup"})
	require.Error(t, err)
	assert.Equal(t, bridge.KindRejected, bridge.KindOf(err))

	status = http.StatusBadGateway
	_, err = a.Query(context.Background(), bridge.Request{Operation: "lookup"})
	require.Error(t, err)
	assert.Equal(t, bridge.KindUnavailable, bridge.KindOf(err))
}

func TestHTTPAdapterBreakerShedsAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{
		Name:             "records",
		BaseURL:          srv.URL,
		Minimum:          classification.Internal,
		BreakerThreshold: 2,
		BreakerReset:     time.Hour,
	}, srv.Client())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = a.Query(context.Background(), bridge.Request{Operation: "lookup"})
		require.Error(t, err)
	}

	// Breaker is open now; the server is no longer hit.
	_, err = a.Query(context.Background(), bridge.Request{Operation: "lookup"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
}

func TestHTTPAdapterHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	a, err := NewHTTPAdapter(HTTPConfig{Name: "records", BaseURL: srv.URL, Minimum: classification.Internal}, srv.Client())
	require.NoError(t, err)

	assert.Equal(t, bridge.HealthConnected, a.HealthCheck(context.Background()).State)

	healthy = false
	assert.Equal(t, bridge.HealthDisconnected, a.HealthCheck(context.Background()).State)
}
