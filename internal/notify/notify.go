package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client delivers outcome events to an external webhook. Deployments without
// a sink run with Skip set and every push becomes a no-op.
type Client struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Skip   bool
}

// New creates a client. An empty url enables Skip.
func New(url, secret string) *Client {
	return &Client{
		URL:    url,
		Secret: secret,
		Skip:   url == "",
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Push delivers one JSON-encoded event. When a secret is configured the body
// is signed with HMAC-SHA1 and the hex digest rides in X-Signature, so the
// receiver can verify origin.
func (c *Client) Push(ctx context.Context, body []byte) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Secret != "" {
		mac := hmac.New(sha1.New, []byte(c.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature", "sha1="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("outcome sink request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("outcome sink error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
