// Package policy submits authorization queries to the external Policy
// Decision Point and interprets its verdicts fail-closed.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Query is constructed fresh for every policy-gated request; verdicts are
// never cached across requests.
type Query struct {
	Token  string                 `json:"token"`
	Path   string                 `json:"path"`
	Method string                 `json:"method"`
	User   map[string]interface{} `json:"user"`
}

// ErrDenied is an explicit deny from the decision point. ErrUnavailable is
// any transport failure, timeout, or malformed response; both block
// forwarding, but callers must be able to tell them apart (403 vs 500).
var (
	ErrDenied      = errors.New("policy: denied")
	ErrUnavailable = errors.New("policy: decision unavailable")
)

type Client struct {
	URL        string
	HTTPClient *http.Client
}

// Decide submits one synchronous query. Only a literal `result: true` is an
// allow; an explicit false is ErrDenied and everything else is ErrUnavailable.
func (c *Client) Decide(ctx context.Context, q Query) error {
	payload, err := json.Marshal(map[string]interface{}{"input": q})
	if err != nil {
		return fmt.Errorf("%w: encode query: %v", ErrUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var decoded struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}
	switch v := decoded.Result.(type) {
	case bool:
		if v {
			return nil
		}
		return ErrDenied
	default:
		return fmt.Errorf("%w: non-boolean result %T", ErrUnavailable, decoded.Result)
	}
}
