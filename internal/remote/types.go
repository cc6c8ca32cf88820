package remote

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OutcomeStatus is the per-record result reported by the remote service.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeUpdated OutcomeStatus = "updated"
	OutcomeError   OutcomeStatus = "error"
)

// Accepted reports whether the remote bound a permanent ID.
func (s OutcomeStatus) Accepted() bool {
	return s == OutcomeCreated || s == OutcomeUpdated
}

// BatchRequest for POST /api/sync/batch
type BatchRequest struct {
	Farmers  []json.RawMessage `json:"farmers"`
	LastSync string            `json:"last_sync,omitempty"`
}

// TempIDs returns the temp_id of every farmer in the batch, in order.
func (b *BatchRequest) TempIDs() []string {
	ids := make([]string, len(b.Farmers))
	for i, f := range b.Farmers {
		ids[i] = gjson.GetBytes(f, "temp_id").String()
	}
	return ids
}

// ChildEnvelope is a land parcel or crop nested under its farmer.
type ChildEnvelope struct {
	ID      string
	Payload json.RawMessage
}

// FarmerEnvelope builds the wire form of one farmer: the payload as captured,
// plus temp_id and the nested land_parcels and crops arrays. Attached children
// are appended to any array the payload already carries, each with its local_id.
func FarmerEnvelope(tempID string, payload json.RawMessage, parcels, crops []ChildEnvelope) (json.RawMessage, error) {
	doc := append([]byte(nil), payload...)

	doc, err := sjson.SetBytes(doc, "temp_id", tempID)
	if err != nil {
		return nil, fmt.Errorf("envelope %s: set temp_id: %w", tempID, err)
	}

	for _, group := range []struct {
		key      string
		children []ChildEnvelope
	}{
		{"land_parcels", parcels},
		{"crops", crops},
	} {
		if !gjson.GetBytes(doc, group.key).IsArray() {
			doc, err = sjson.SetRawBytes(doc, group.key, []byte("[]"))
			if err != nil {
				return nil, fmt.Errorf("envelope %s: init %s: %w", tempID, group.key, err)
			}
		}
		for _, c := range group.children {
			child, err := sjson.SetBytes(append([]byte(nil), c.Payload...), "local_id", c.ID)
			if err != nil {
				return nil, fmt.Errorf("envelope %s: child %s: %w", tempID, c.ID, err)
			}
			doc, err = sjson.SetRawBytes(doc, group.key+".-1", child)
			if err != nil {
				return nil, fmt.Errorf("envelope %s: append %s: %w", tempID, group.key, err)
			}
		}
	}

	return doc, nil
}

// RecordResult is one entry of the results array.
type RecordResult struct {
	TempID   string        `json:"temp_id"`
	FarmerID string        `json:"farmer_id,omitempty"`
	Status   OutcomeStatus `json:"status"`
	Error    string        `json:"error,omitempty"`
}

// RecordError is one entry of the errors array.
type RecordError struct {
	TempID string `json:"temp_id"`
	Error  string `json:"error"`
}

// BatchResponse from POST /api/sync/batch
type BatchResponse struct {
	Total           int            `json:"total"`
	Successful      int            `json:"successful"`
	Failed          int            `json:"failed"`
	Results         []RecordResult `json:"results"`
	Errors          []RecordError  `json:"errors"`
	ServerTimestamp string         `json:"server_timestamp"`
}

// Outcome is a normalised per-record result keyed by temporary ID.
type Outcome struct {
	TempID      string
	Status      OutcomeStatus
	PermanentID string
	Message     string
}

// Outcomes flattens results and errors into one list in the order returned.
func (r *BatchResponse) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(r.Results)+len(r.Errors))
	for _, res := range r.Results {
		o := Outcome{TempID: res.TempID, Status: res.Status, PermanentID: res.FarmerID, Message: res.Error}
		if o.Status.Accepted() && o.PermanentID == "" {
			o.Status = OutcomeError
			o.Message = "remote accepted record without a farmer_id"
		}
		if !o.Status.Accepted() && o.Status != OutcomeError {
			o.Message = fmt.Sprintf("unknown outcome status %q", res.Status)
			o.Status = OutcomeError
		}
		out = append(out, o)
	}
	for _, e := range r.Errors {
		out = append(out, Outcome{TempID: e.TempID, Status: OutcomeError, Message: e.Error})
	}
	return out
}

// HealthResponse from GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusFarmer is one entry of the status response.
type StatusFarmer struct {
	FarmerID  string `json:"farmer_id"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Status    string `json:"status"`
}

// StatusResponse from GET /api/sync/status
type StatusResponse struct {
	UserID       string         `json:"user_id"`
	LastSync     string         `json:"last_sync"`
	CurrentTime  string         `json:"current_time"`
	UpdatesCount int            `json:"updates_count"`
	Farmers      []StatusFarmer `json:"farmers"`
}
