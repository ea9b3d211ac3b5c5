package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cbodonnell/theyr/pkg/client"
	"github.com/cbodonnell/theyr/pkg/gateway"
	"github.com/cbodonnell/theyr/pkg/tree"
)

const seqHeader = "X-Theyr-Seq"

var _ client.StateFetcher = &HTTPClient{}

// HTTPClient talks to the server's HTTP side channel.
type HTTPClient struct {
	baseURL string
	userID  string
	token   string
	client  *http.Client
}

type NewHTTPClientOptions struct {
	ServerURL string
	UserID    string
	// Token is sent as a bearer token and takes precedence over UserID on
	// the server.
	Token      string
	HTTPClient *http.Client
}

func NewHTTPClient(opts NewHTTPClientOptions) *HTTPClient {
	c := opts.HTTPClient
	if c == nil {
		c = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(opts.ServerURL, "/"),
		userID:  opts.UserID,
		token:   opts.Token,
		client:  c,
	}
}

// FullState fetches the tree filtered for this client's user.
func (c *HTTPClient) FullState(ctx context.Context) (tree.Value, uint64, error) {
	target := c.baseURL + "/state/full"
	if c.userID != "" {
		target += "?user=" + url.QueryEscape(c.userID)
	}
	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return tree.Value{}, 0, err
	}
	defer resp.Body.Close()

	var root tree.Value
	if err := json.NewDecoder(resp.Body).Decode(&root); err != nil {
		return tree.Value{}, 0, fmt.Errorf("failed to decode state: %v", err)
	}
	seq, _ := strconv.ParseUint(resp.Header.Get(seqHeader), 10, 64)
	return root, seq, nil
}

// SetValue writes one variable through the action endpoint.
func (c *HTTPClient) SetValue(ctx context.Context, variable string, value tree.Value, clientSeq uint64) (*gateway.Ack, error) {
	raw, err := value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %v", err)
	}
	body, err := json.Marshal(struct {
		Variable  string          `json:"variable"`
		Value     json.RawMessage `json:"value"`
		ClientSeq uint64          `json:"clientSeq,omitempty"`
	}{variable, raw, clientSeq})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %v", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/action", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ack := &gateway.Ack{}
	if err := json.NewDecoder(resp.Body).Decode(ack); err != nil {
		return nil, fmt.Errorf("failed to decode ack: %v", err)
	}
	return ack, nil
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %v", target, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &ErrUnexpectedStatus{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func statusText(code int) string {
	return strconv.Itoa(code) + " " + http.StatusText(code)
}
