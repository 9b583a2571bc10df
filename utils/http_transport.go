package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPTransportConfig configures a JSON email API provider.
type HTTPTransportConfig struct {
	Endpoint  string
	APIKey    string
	FromEmail string
	FromName  string
	Timeout   time.Duration
}

type apiMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type apiResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// HTTPTransport posts each message to a provider's JSON send endpoint.
type HTTPTransport struct {
	cfg    HTTPTransportConfig
	client *fasthttp.Client
}

func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPTransport{
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                "dripmail",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	from := t.cfg.FromEmail
	if t.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", t.cfg.FromName, t.cfg.FromEmail)
	}
	payload, err := json.Marshal(apiMessage{From: from, To: to, Subject: subject, HTML: htmlBody})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	timeout := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return "", fmt.Errorf("send to %s: %w", to, context.DeadlineExceeded)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(t.cfg.Endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	req.SetBodyRaw(payload)

	if err := t.client.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}

	var body apiResponse
	_ = json.Unmarshal(resp.Body(), &body)

	if status := resp.StatusCode(); status < 200 || status >= 300 {
		reason := body.Error
		if reason == "" {
			reason = body.Message
		}
		if reason == "" {
			reason = fasthttp.StatusMessage(status)
		}
		return "", fmt.Errorf("provider returned %d: %s", status, reason)
	}

	if body.MessageID != "" {
		return body.MessageID, nil
	}
	return body.ID, nil
}
