package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/valyala/fasthttp"
)

// HTTPCollaborators talks to the identity, social-graph, safety and billing
// services over their internal HTTP APIs. One shared client, per-call
// deadline from the context.
type HTTPCollaborators struct {
	directoryURL string
	socialURL    string
	safetyURL    string
	billingURL   string

	timeout time.Duration
	client  *fasthttp.Client
}

func NewHTTPCollaborators(directoryURL, socialURL, safetyURL, billingURL string, timeout time.Duration) *HTTPCollaborators {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &HTTPCollaborators{
		directoryURL: directoryURL,
		socialURL:    socialURL,
		safetyURL:    safetyURL,
		billingURL:   billingURL,
		timeout:      timeout,
		client: &fasthttp.Client{
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}
}

func (c *HTTPCollaborators) Get(ctx context.Context, userID string) (*Profile, error) {
	var profile Profile
	url := fmt.Sprintf("%s/api/v1/profiles/%s", c.directoryURL, userID)
	if err := c.getJSON(ctx, url, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

func (c *HTTPCollaborators) IsBlocked(ctx context.Context, senderID, recipientID string) (bool, error) {
	var out struct {
		Blocked bool `json:"blocked"`
	}
	url := fmt.Sprintf("%s/api/v1/blocks?sender=%s&recipient=%s", c.socialURL, senderID, recipientID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return false, err
	}
	return out.Blocked, nil
}

func (c *HTTPCollaborators) IsConversationFrozen(ctx context.Context, conversationID string) (bool, error) {
	var out struct {
		Frozen bool `json:"frozen"`
	}
	url := fmt.Sprintf("%s/api/v1/conversations/%s/freeze", c.safetyURL, conversationID)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return false, err
	}
	return out.Frozen, nil
}

func (c *HTTPCollaborators) Authorize(ctx context.Context, req model.EnqueueRequest) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"client_message_id": req.ClientMessageID,
		"sender_id":         req.SenderID,
		"conversation_id":   req.ConversationID,
		"kind":              req.Kind,
	})
	if err != nil {
		return "", err
	}

	var out struct {
		BillingState string `json:"billing_state"`
	}
	if err := c.postJSON(ctx, c.billingURL+"/api/v1/authorize", body, &out); err != nil {
		return "", err
	}
	return out.BillingState, nil
}

func (c *HTTPCollaborators) getJSON(ctx context.Context, url string, out interface{}) error {
	return c.do(ctx, fasthttp.MethodGet, url, nil, out)
}

func (c *HTTPCollaborators) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	return c.do(ctx, fasthttp.MethodPost, url, body, out)
}

func (c *HTTPCollaborators) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("collaborator returned status %d for %s", resp.StatusCode(), url)
	}
	return json.Unmarshal(resp.Body(), out)
}
