package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	// ErrTransient marks a push failure worth retrying: timeout, connection
	// refused, recipient momentarily offline, 5xx.
	ErrTransient = errors.New("transient push failure")
	// ErrPermanent marks a push failure that will never succeed: the
	// recipient account or device no longer exists.
	ErrPermanent = errors.New("permanent push failure")
)

type Request struct {
	RecordID       int64             `json:"record_id"`
	MessageID      int64             `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	RecipientID    string            `json:"recipient_id"`
	DeviceID       string            `json:"device_id"`
	PayloadRef     string            `json:"payload_ref"`
	Kind           model.MessageKind `json:"kind"`
	Priority       model.Priority    `json:"priority"`
}

type Response struct {
	RecordID    int64      `json:"record_id"`
	Delivered   bool       `json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`
}

// RegionResolver supplies the delivery endpoint of a region.
type RegionResolver interface {
	Get(code string) (Endpoint, error)
}

type Endpoint interface {
	Endpoint() string
}

type Config struct {
	AttemptTimeout time.Duration
	MaxConns       int
}

// Client pushes messages to connected recipient devices through regional
// push endpoints.
type Client struct {
	resolver RegionResolver
	config   Config
	http     *fasthttp.Client
}

func NewClient(resolver RegionResolver, config Config) *Client {
	if config.AttemptTimeout == 0 {
		config.AttemptTimeout = 10 * time.Second
	}
	if config.MaxConns == 0 {
		config.MaxConns = 512
	}
	return &Client{
		resolver: resolver,
		config:   config,
		http: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.AttemptTimeout,
			WriteTimeout:        config.AttemptTimeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}
}

// Send performs one delivery attempt against the given region. Each attempt
// is bounded by the attempt timeout; exceeding it is a transient failure
// and re-enters the backoff schedule at the caller.
func (c *Client) Send(ctx context.Context, regionCode string, req *Request) (*Response, error) {
	region, err := c.resolver.Get(regionCode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(region.Endpoint() + "/api/v1/push/send")
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.AttemptTimeout)
	}

	if err := c.http.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch code := httpResp.StatusCode(); {
	case code == fasthttp.StatusOK || code == fasthttp.StatusAccepted:
		// fallthrough to body parsing
	case code == fasthttp.StatusGone || code == fasthttp.StatusNotFound:
		return nil, fmt.Errorf("%w: status %d", ErrPermanent, code)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, code)
	}

	var resp Response
	if err := json.Unmarshal(httpResp.Body(), &resp); err != nil {
		return nil, fmt.Errorf("%w: bad push response: %v", ErrTransient, err)
	}

	if !resp.Delivered {
		logger.Debug("push endpoint reported undelivered", "record_id", req.RecordID, "error_code", resp.ErrorCode)
		return &resp, fmt.Errorf("%w: %s", ErrTransient, resp.ErrorMsg)
	}

	return &resp, nil
}
