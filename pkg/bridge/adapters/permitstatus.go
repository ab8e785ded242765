// Package adapters holds the built-in bridge adapters: in-memory
// fixture systems used in demos and tests, and a generic HTTP adapter
// for real legacy endpoints.
package adapters

import (
	"context"
	"strings"

	"github.com/civicmesh/bridgegate/pkg/bridge"
	"github.com/civicmesh/bridgegate/pkg/classification"
)

// Permit is one permit record as the legacy permitting system returns
// it.
type Permit struct {
	PermitID      string `json:"permit_id"`
	ParcelID      string `json:"parcel_id"`
	Applicant     string `json:"applicant"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Description   string `json:"description"`
	SubmittedDate string `json:"submitted_date"`
	DecisionDate  string `json:"decision_date,omitempty"`
	Address       string `json:"address"`
}

var fixturePermits = []Permit{
	{PermitID: "BP-2024-001", ParcelID: "12-34-100-001", Applicant: "Jane Smith", Type: "Building", Status: "approved", Description: "Single-family home addition", SubmittedDate: "2024-01-15", DecisionDate: "2024-02-10", Address: "123 Main St"},
	{PermitID: "BP-2024-002", ParcelID: "12-34-100-002", Applicant: "Acme Corp", Type: "Commercial", Status: "pending", Description: "Office renovation", SubmittedDate: "2024-03-01", Address: "456 Oak Ave"},
	{PermitID: "EP-2024-003", ParcelID: "12-34-100-001", Applicant: "Jane Smith", Type: "Electrical", Status: "approved", Description: "Panel upgrade 100A to 200A", SubmittedDate: "2024-02-20", DecisionDate: "2024-03-05", Address: "123 Main St"},
	{PermitID: "DP-2024-004", ParcelID: "12-34-100-003", Applicant: "Bob Johnson", Type: "Demolition", Status: "denied", Description: "Garage demolition", SubmittedDate: "2024-01-10", DecisionDate: "2024-01-25", Address: "789 Elm St"},
	{PermitID: "FP-2024-005", ParcelID: "12-34-100-004", Applicant: "Maria Garcia", Type: "Fence", Status: "approved", Description: "6-foot privacy fence", SubmittedDate: "2024-04-01", DecisionDate: "2024-04-10", Address: "321 Pine Rd"},
	{PermitID: "SP-2024-006", ParcelID: "12-34-100-005", Applicant: "Downtown Cafe LLC", Type: "Sign", Status: "pending", Description: "Illuminated business sign", SubmittedDate: "2024-04-15", Address: "555 Broadway"},
	{PermitID: "PP-2024-007", ParcelID: "12-34-100-002", Applicant: "Acme Corp", Type: "Plumbing", Status: "approved", Description: "Bathroom remodel plumbing", SubmittedDate: "2024-03-10", DecisionDate: "2024-03-25", Address: "456 Oak Ave"},
}

const (
	OpLookupByID        = "lookup_by_id"
	OpLookupByParcel    = "lookup_by_parcel"
	OpLookupByApplicant = "lookup_by_applicant"
)

// PermitStatus is a fixture-backed permit lookup adapter. Read-only,
// always healthy.
type PermitStatus struct {
	permits []Permit
}

// NewPermitStatus builds the fixture adapter.
func NewPermitStatus() *PermitStatus {
	return &PermitStatus{permits: append([]Permit(nil), fixturePermits...)}
}

func (p *PermitStatus) Name() string { return "permit_status" }

func (p *PermitStatus) MinimumClassification() classification.Level {
	return classification.Sensitive
}

func (p *PermitStatus) HealthCheck(ctx context.Context) bridge.HealthStatus {
	return bridge.HealthStatus{State: bridge.HealthConnected}
}

func (p *PermitStatus) Schema() bridge.AdapterSchema {
	return bridge.AdapterSchema{
		Name:        p.Name(),
		Description: "Municipal permit status lookup",
		Minimum:     p.MinimumClassification(),
		Operations: []bridge.OperationSchema{
			{
				Name:         OpLookupByID,
				Description:  "Look up a single permit by its identifier",
				ParamsSchema: `{"type":"object","required":["permit_id"],"properties":{"permit_id":{"type":"string","minLength":1}}}`,
			},
			{
				Name:         OpLookupByParcel,
				Description:  "List permits filed against a parcel",
				ParamsSchema: `{"type":"object","required":["parcel_id"],"properties":{"parcel_id":{"type":"string","minLength":1}}}`,
			},
			{
				Name:         OpLookupByApplicant,
				Description:  "List permits matching an applicant name substring",
				ParamsSchema: `{"type":"object","required":["applicant"],"properties":{"applicant":{"type":"string","minLength":1}}}`,
			},
		},
	}
}

func (p *PermitStatus) Query(ctx context.Context, req bridge.Request) (*bridge.Response, error) {
	switch req.Operation {
	case OpLookupByID:
		id, _ := req.Params["permit_id"].(string)
		for _, permit := range p.permits {
			if permit.PermitID == id {
				return p.respond(permit), nil
			}
		}
		return p.respond(nil), nil

	case OpLookupByParcel:
		parcel, _ := req.Params["parcel_id"].(string)
		var out []Permit
		for _, permit := range p.permits {
			if permit.ParcelID == parcel {
				out = append(out, permit)
			}
		}
		return p.respond(out), nil

	case OpLookupByApplicant:
		needle, _ := req.Params["applicant"].(string)
		needle = strings.ToLower(needle)
		var out []Permit
		for _, permit := range p.permits {
			if strings.Contains(strings.ToLower(permit.Applicant), needle) {
				out = append(out, permit)
			}
		}
		return p.respond(out), nil
	}
	return nil, bridge.Rejected("unknown operation "+req.Operation, nil)
}

func (p *PermitStatus) respond(data interface{}) *bridge.Response {
	return &bridge.Response{Data: data, Classification: classification.Sensitive}
}
