// Package feed searches transactions uploaded to bundler nodes through their GraphQL endpoint.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/udl-tools/go-uploadkit/upload"
)

// DefaultLimit is the number of transactions returned when a query sets no limit.
const DefaultLimit = 25

// MaxLimit ...
const MaxLimit = 100

// Node is a known bundler node.
type Node struct {
	Name string
	URL  string
}

// Nodes lists the nodes queries can be sent to by name.
var Nodes = []Node{
	{Name: "node1", URL: "https://node1.bundlr.network"},
	{Name: "node2", URL: "https://node2.bundlr.network"},
	{Name: "devnet", URL: "https://devnet.bundlr.network"},
}

// Currencies accepted as a query filter.
var Currencies = []string{
	"aptos", "algorand", "arbitrum", "arweave", "avalanche", "boba", "boba-eth",
	"chainlink", "ethereum", "fantom", "near", "matic", "solana",
}

// ContentTypes accepted as a query filter.
var ContentTypes = []string{"image/jpeg", "image/png", "image/gif"}

// Query filters the transaction feed. Empty fields are not filtered on.
type Query struct {
	// Node is a node name from Nodes or a node base URL.
	Node        string
	ContentType string
	Currency    string
	From        time.Time
	To          time.Time
	Limit       int
}

// Transaction is a single search result.
type Transaction struct {
	ID        string       `json:"id"`
	Address   string       `json:"address"`
	Currency  string       `json:"currency"`
	CreatedAt time.Time    `json:"created_at"`
	Tags      []upload.Tag `json:"tags"`
}

// ContentType returns the value of the Content-Type tag, if any.
func (t Transaction) ContentType() string {
	for _, tag := range t.Tags {
		if tag.Name == upload.ContentTypeTag {
			return tag.Value
		}
	}
	return ""
}

// ResolveNode turns a node name or URL into the node base URL.
func ResolveNode(node string) (string, error) {
	node = strings.TrimSpace(node)
	if node == "" {
		return "", upload.NewValidationError("please select a node")
	}
	for _, n := range Nodes {
		if strings.EqualFold(node, n.Name) || strings.EqualFold(node, strings.TrimPrefix(n.URL, "https://")) {
			return n.URL, nil
		}
	}
	if strings.HasPrefix(node, "http://") || strings.HasPrefix(node, "https://") {
		return strings.TrimSuffix(strings.TrimSuffix(node, "/"), "/graphql"), nil
	}
	return "", upload.NewValidationError("unknown node: %s", node)
}

// Validate checks the filters and returns the resolved node URL.
func (q Query) Validate() (string, error) {
	nodeURL, err := ResolveNode(q.Node)
	if err != nil {
		return "", err
	}
	if q.Currency != "" {
		if err := ValidateCurrency(q.Currency); err != nil {
			return "", err
		}
	}
	if q.ContentType != "" && !contains(ContentTypes, q.ContentType) {
		return "", upload.NewValidationError("unsupported content type: %s", q.ContentType)
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return "", upload.NewValidationError("the start of the time range is after its end")
	}
	if q.Limit < 0 || q.Limit > MaxLimit {
		return "", upload.NewValidationError("limit must be between 0 (default %d) and %d", DefaultLimit, MaxLimit)
	}
	return nodeURL, nil
}

// ValidateCurrency checks that currency is one of Currencies.
func ValidateCurrency(currency string) error {
	if currency == "" {
		return upload.NewValidationError("please select a currency")
	}
	if !contains(Currencies, currency) {
		return upload.NewValidationError("unsupported currency: %s", currency)
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type tagFilter struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type graphQLResponse struct {
	Data struct {
		Transactions struct {
			Edges []struct {
				Node struct {
					ID        string       `json:"id"`
					Address   string       `json:"address"`
					Currency  string       `json:"currency"`
					Timestamp int64        `json:"timestamp"`
					Tags      []upload.Tag `json:"tags"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Client queries the transaction feed.
type Client struct {
	httpClient *retryablehttp.Client
	logger     log.Logger
}

// NewClient ...
func NewClient(logger log.Logger) *Client {
	return &Client{
		httpClient: retryhttp.NewClient(logger),
		logger:     logger,
	}
}

// Query returns the newest transactions matching q.
func (c *Client) Query(ctx context.Context, q Query) ([]Transaction, error) {
	nodeURL, err := q.Validate()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildRequest(q))
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, nodeURL+"/graphql", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debugf("Querying %s/graphql", nodeURL)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("execute query: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(message)))
	}

	var response graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	if len(response.Errors) > 0 {
		messages := make([]string, 0, len(response.Errors))
		for _, e := range response.Errors {
			messages = append(messages, e.Message)
		}
		return nil, fmt.Errorf("query failed: %s", strings.Join(messages, "; "))
	}

	edges := response.Data.Transactions.Edges
	transactions := make([]Transaction, 0, len(edges))
	for _, edge := range edges {
		transactions = append(transactions, Transaction{
			ID:        edge.Node.ID,
			Address:   edge.Node.Address,
			Currency:  edge.Node.Currency,
			CreatedAt: time.UnixMilli(edge.Node.Timestamp).UTC(),
			Tags:      edge.Node.Tags,
		})
	}
	c.logger.Debugf("%d transaction(s) found", len(transactions))

	return transactions, nil
}

// buildRequest only declares the variables of filters that are set.
func buildRequest(q Query) graphQLRequest {
	limit := q.Limit
	if limit == 0 {
		limit = DefaultLimit
	}

	declarations := []string{"$limit: Int"}
	arguments := []string{"limit: $limit", "order: DESC"}
	variables := map[string]interface{}{"limit": limit}

	if q.ContentType != "" {
		declarations = append(declarations, "$tags: [TagFilter!]")
		arguments = append(arguments, "tags: $tags")
		variables["tags"] = []tagFilter{{Name: upload.ContentTypeTag, Values: []string{q.ContentType}}}
	}
	if q.Currency != "" {
		declarations = append(declarations, "$currency: String")
		arguments = append(arguments, "currency: $currency")
		variables["currency"] = q.Currency
	}

	var timestamp []string
	if !q.From.IsZero() {
		declarations = append(declarations, "$from: BigInt")
		timestamp = append(timestamp, "from: $from")
		variables["from"] = q.From.UnixMilli()
	}
	if !q.To.IsZero() {
		declarations = append(declarations, "$to: BigInt")
		timestamp = append(timestamp, "to: $to")
		variables["to"] = q.To.UnixMilli()
	}
	if len(timestamp) > 0 {
		arguments = append(arguments, "timestamp: {"+strings.Join(timestamp, ", ")+"}")
	}

	query := fmt.Sprintf(`query(%s) {
  transactions(%s) {
    edges {
      node {
        id
        address
        currency
        timestamp
        tags {
          name
          value
        }
      }
    }
  }
}`, strings.Join(declarations, ", "), strings.Join(arguments, ", "))

	return graphQLRequest{Query: query, Variables: variables}
}
