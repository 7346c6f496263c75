package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ezyindustries/aplikasi-umroh-crm/internal/model"
)

// WebhookClient talks to the chat gateway over HTTP. The gateway fronts
// whichever chat client library is running.
type WebhookClient struct {
	baseURL string
	client  *http.Client
}

func NewWebhookClient(baseURL string) *WebhookClient {
	return &WebhookClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *WebhookClient) WithTimeout(d time.Duration) *WebhookClient {
	if d > 0 {
		c.client.Timeout = d
	}
	return c
}

type sendRequest struct {
	Recipient string        `json:"recipient"`
	Payload   model.Payload `json:"payload"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

func (c *WebhookClient) Send(ctx context.Context, recipient string, payload model.Payload) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		Recipient: recipient,
		Payload:   payload,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted:
	case http.StatusForbidden, http.StatusGone:
		return "", fmt.Errorf("%w: status=%d body=%q", ErrRecipientBlocked, resp.StatusCode, string(body))
	default:
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}

	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}

	return sr.MessageID, nil
}

func (c *WebhookClient) Exists(ctx context.Context, recipient string) (bool, error) {
	u := c.baseURL + "/exists?recipient=" + url.QueryEscape(recipient)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var er existsResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return false, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return er.Exists, nil
}
