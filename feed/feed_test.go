package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udl-tools/go-uploadkit/upload"
)

func TestResolveNode(t *testing.T) {
	tests := []struct {
		node    string
		want    string
		wantErr bool
	}{
		{node: "node1", want: "https://node1.bundlr.network"},
		{node: "DEVNET", want: "https://devnet.bundlr.network"},
		{node: "node2.bundlr.network", want: "https://node2.bundlr.network"},
		{node: "https://my.node.test/graphql", want: "https://my.node.test"},
		{node: "http://localhost:1984/", want: "http://localhost:1984"},
		{node: "", wantErr: true},
		{node: "node9", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.node, func(t *testing.T) {
			got, err := ResolveNode(tt.node)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, upload.IsValidationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQuery_Validate(t *testing.T) {
	from := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	tests := []struct {
		name    string
		query   Query
		wantErr string
	}{
		{name: "minimal", query: Query{Node: "node1"}},
		{name: "all filters", query: Query{Node: "node1", Currency: "matic", ContentType: "image/png", From: from, To: to, Limit: 10}},
		{name: "no node", query: Query{}, wantErr: "please select a node"},
		{name: "unknown currency", query: Query{Node: "node1", Currency: "dogecoin"}, wantErr: "unsupported currency: dogecoin"},
		{name: "unknown content type", query: Query{Node: "node1", ContentType: "video/mp4"}, wantErr: "unsupported content type: video/mp4"},
		{name: "inverted range", query: Query{Node: "node1", From: to, To: from}, wantErr: "the start of the time range is after its end"},
		{name: "limit too large", query: Query{Node: "node1", Limit: MaxLimit + 1}, wantErr: "limit must be between 0 (default 25) and 100"},
		{name: "negative limit", query: Query{Node: "node1", Limit: -1}, wantErr: "limit must be between 0 (default 25) and 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.query.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr)
			assert.True(t, upload.IsValidationError(err))
		})
	}
}

func TestValidateCurrency(t *testing.T) {
	require.NoError(t, ValidateCurrency("matic"))
	require.EqualError(t, ValidateCurrency(""), "please select a currency")
	require.EqualError(t, ValidateCurrency("doge"), "unsupported currency: doge")
}

func Test_buildRequest(t *testing.T) {
	from := time.UnixMilli(1690000000000)

	req := buildRequest(Query{Node: "node1", ContentType: "image/png", Currency: "matic", From: from})

	assert.Contains(t, req.Query, "query($limit: Int, $tags: [TagFilter!], $currency: String, $from: BigInt)")
	assert.Contains(t, req.Query, "transactions(limit: $limit, order: DESC, tags: $tags, currency: $currency, timestamp: {from: $from})")
	assert.Equal(t, DefaultLimit, req.Variables["limit"])
	assert.Equal(t, "matic", req.Variables["currency"])
	assert.Equal(t, int64(1690000000000), req.Variables["from"])
	assert.Equal(t, []tagFilter{{Name: "Content-Type", Values: []string{"image/png"}}}, req.Variables["tags"])
	assert.NotContains(t, req.Variables, "to")
}

func Test_buildRequest_NoFilters(t *testing.T) {
	req := buildRequest(Query{Node: "node1", Limit: 5})

	assert.Contains(t, req.Query, "query($limit: Int)")
	assert.NotContains(t, req.Query, "timestamp:")
	assert.Equal(t, map[string]interface{}{"limit": 5}, req.Variables)
}

func TestClient_Query(t *testing.T) {
	// Given
	var received graphQLRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{"data":{"transactions":{"edges":[
			{"node":{"id":"tx-1","address":"0xabc","currency":"matic","timestamp":1690000000000,"tags":[{"name":"Content-Type","value":"image/png"}]}},
			{"node":{"id":"tx-2","address":"0xdef","currency":"matic","timestamp":1690000001000,"tags":[]}}
		]}}}`))
		require.NoError(t, err)
	}))
	defer server.Close()

	// When
	transactions, err := NewClient(log.NewLogger()).Query(context.Background(), Query{Node: server.URL, Currency: "matic", Limit: 2})

	// Then
	require.NoError(t, err)
	require.Len(t, transactions, 2)
	assert.Equal(t, "tx-1", transactions[0].ID)
	assert.Equal(t, "0xabc", transactions[0].Address)
	assert.Equal(t, "image/png", transactions[0].ContentType())
	assert.Equal(t, time.UnixMilli(1690000000000).UTC(), transactions[0].CreatedAt)
	assert.Equal(t, "", transactions[1].ContentType())
	assert.Equal(t, "matic", received.Variables["currency"])
	assert.Equal(t, float64(2), received.Variables["limit"])
}

func TestClient_Query_GraphQLErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"message":"Cannot query field \"bogus\""}]}`))
	}))
	defer server.Close()

	_, err := NewClient(log.NewLogger()).Query(context.Background(), Query{Node: server.URL})

	require.Error(t, err)
	assert.Contains(t, err.Error(), `Cannot query field "bogus"`)
}

func TestClient_Query_InvalidFilter(t *testing.T) {
	_, err := NewClient(log.NewLogger()).Query(context.Background(), Query{})

	require.Error(t, err)
	assert.True(t, upload.IsValidationError(err))
}
