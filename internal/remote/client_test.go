package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHTTPClient_SubmitBatch_Success(t *testing.T) {
	var (
		gotAuth      string
		gotRequestID string
		gotBody      BatchRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sync/batch", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotRequestID = r.Header.Get("X-Request-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(BatchResponse{
			Total:      1,
			Successful: 1,
			Results:    []RecordResult{{TempID: "T1", FarmerID: "ZF-2026-000001", Status: OutcomeCreated}},
		})
	}))
	defer server.Close()

	envelope, err := FarmerEnvelope("T1", json.RawMessage(`{"nrc_number":"123456/12/1"}`), nil, nil)
	require.NoError(t, err)

	client := NewHTTPClient(server.URL+"/", StaticToken("secret"))
	resp, err := client.SubmitBatch(context.Background(), &BatchRequest{Farmers: []json.RawMessage{envelope}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", gotAuth)
	assert.NotEmpty(t, gotRequestID)
	require.Len(t, gotBody.Farmers, 1)
	assert.Equal(t, "T1", gjson.GetBytes(gotBody.Farmers[0], "temp_id").String())
	assert.Equal(t, 1, resp.Successful)
	require.Len(t, resp.Outcomes(), 1)
	assert.Equal(t, "ZF-2026-000001", resp.Outcomes()[0].PermanentID)
}

func TestHTTPClient_SubmitBatch_DebugLogOmitsPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total":1,"successful":1,"results":[{"temp_id":"T1","farmer_id":"ZF-1","status":"created"}]}`))
	}))
	defer server.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	envelope, err := FarmerEnvelope("T1", json.RawMessage(`{"nrc_number":"123456/12/1","first_name":"Mwila"}`), nil, nil)
	require.NoError(t, err)

	client := NewHTTPClient(server.URL, StaticToken("secret")).WithLogger(zap.New(core))
	_, err = client.SubmitBatch(context.Background(), &BatchRequest{Farmers: []json.RawMessage{envelope}})
	require.NoError(t, err)

	submits := logs.FilterMessage("submit batch").All()
	require.Len(t, submits, 1)
	fields := submits[0].ContextMap()
	assert.Equal(t, int64(1), fields["farmers"])
	assert.Equal(t, []interface{}{"T1"}, fields["temp_ids"])

	for _, entry := range logs.All() {
		for key, value := range entry.ContextMap() {
			assert.NotContains(t, fmt.Sprint(value), "123456/12/1", "%s.%s leaks payload", entry.Message, key)
			assert.NotContains(t, fmt.Sprint(value), "Mwila", "%s.%s leaks payload", entry.Message, key)
		}
	}
}

func TestHTTPClient_SubmitBatch_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Missing or invalid API key"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, StaticToken("bad"))
	_, err := client.SubmitBatch(context.Background(), &BatchRequest{})
	require.Error(t, err)

	var remoteErr *Error
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusUnauthorized, remoteErr.StatusCode)
	assert.Equal(t, "submit_batch", remoteErr.Operation)
	assert.EqualError(t, remoteErr.Err, "Missing or invalid API key")
}

func TestHTTPClient_SubmitBatch_UndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, nil)
	_, err := client.SubmitBatch(context.Background(), &BatchRequest{})

	var remoteErr *Error
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusOK, remoteErr.StatusCode)
}

func TestHTTPClient_SubmitBatch_NetworkError(t *testing.T) {
	client := NewHTTPClient("http://localhost:1", nil)
	_, err := client.SubmitBatch(context.Background(), &BatchRequest{})

	var remoteErr *Error
	require.True(t, errors.As(err, &remoteErr))
	assert.Zero(t, remoteErr.StatusCode)
}

func TestHTTPClient_TokenError(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	tokens := TokenFunc(func(context.Context) (string, error) { return "", errors.New("session expired") })
	_, err := NewHTTPClient(server.URL, tokens).SubmitBatch(context.Background(), &BatchRequest{})

	require.ErrorContains(t, err, "session expired")
	assert.False(t, called, "no request is sent without a token")
}

func TestHTTPClient_Status(t *testing.T) {
	since := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sync/status", r.URL.Path)
		assert.Equal(t, "2026-03-01T08:00:00Z", r.URL.Query().Get("last_sync"))
		_ = json.NewEncoder(w).Encode(StatusResponse{
			UpdatesCount: 1,
			Farmers:      []StatusFarmer{{FarmerID: "ZF-2026-000001", Status: "approved"}},
		})
	}))
	defer server.Close()

	resp, err := NewHTTPClient(server.URL, nil).Status(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.UpdatesCount)
	assert.Equal(t, "approved", resp.Farmers[0].Status)
}

func TestFarmerEnvelope_NestsChildren(t *testing.T) {
	payload := json.RawMessage(`{"personal_info":{"first_name":"Aman"},"nrc_number":"123456/12/1"}`)
	parcels := []ChildEnvelope{
		{ID: "P1", Payload: json.RawMessage(`{"size_hectares":2.5}`)},
		{ID: "P2", Payload: json.RawMessage(`{"size_hectares":1}`)},
	}
	crops := []ChildEnvelope{{ID: "C1", Payload: json.RawMessage(`{"name":"maize"}`)}}

	doc, err := FarmerEnvelope("T1", payload, parcels, crops)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(doc)
	assert.Equal(t, "T1", parsed.Get("temp_id").String())
	assert.Equal(t, "Aman", parsed.Get("personal_info.first_name").String())
	assert.Equal(t, int64(2), parsed.Get("land_parcels.#").Int())
	assert.Equal(t, "P2", parsed.Get("land_parcels.1.local_id").String())
	assert.Equal(t, "maize", parsed.Get("crops.0.name").String())
	assert.JSONEq(t, `{"personal_info":{"first_name":"Aman"},"nrc_number":"123456/12/1"}`, string(payload), "payload is not mutated")
}

func TestFarmerEnvelope_EmptyChildren(t *testing.T) {
	doc, err := FarmerEnvelope("T1", json.RawMessage(`{}`), nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"temp_id":"T1","land_parcels":[],"crops":[]}`, string(doc))
}

func TestFarmerEnvelope_KeepsPayloadArrays(t *testing.T) {
	payload := json.RawMessage(`{"crops":[{"name":"beans"}]}`)
	crops := []ChildEnvelope{{ID: "C1", Payload: json.RawMessage(`{"name":"maize"}`)}}

	doc, err := FarmerEnvelope("T1", payload, nil, crops)
	require.NoError(t, err)

	parsed := gjson.ParseBytes(doc)
	assert.Equal(t, int64(2), parsed.Get("crops.#").Int())
	assert.Equal(t, "beans", parsed.Get("crops.0.name").String())
	assert.Equal(t, "C1", parsed.Get("crops.1.local_id").String())
}

func TestBatchResponse_Outcomes(t *testing.T) {
	resp := &BatchResponse{
		Results: []RecordResult{
			{TempID: "A", FarmerID: "ZF-1", Status: OutcomeCreated},
			{TempID: "B", Status: OutcomeUpdated},
			{TempID: "C", FarmerID: "ZF-3", Status: "weird"},
		},
		Errors: []RecordError{{TempID: "D", Error: "Invalid NRC format"}},
	}

	outcomes := resp.Outcomes()
	require.Len(t, outcomes, 4)
	assert.Equal(t, OutcomeCreated, outcomes[0].Status)
	assert.Equal(t, OutcomeError, outcomes[1].Status, "accepted without an id is an error")
	assert.Equal(t, OutcomeError, outcomes[2].Status)
	assert.Contains(t, outcomes[2].Message, "weird")
	assert.Equal(t, "Invalid NRC format", outcomes[3].Message)
}
