package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const maxErrorBody = 512

type webhookRequest struct {
	AgentID             string `json:"agentId"`
	Input               string `json:"input"`
	IsCustomAgent       bool   `json:"isCustomAgent"`
	IsVirtualRoom       bool   `json:"isVirtualRoom"`
	ConversationHistory []Turn `json:"conversationHistory"`
}

type webhookResponse struct {
	Output string `json:"output"`
}

// Webhook posts invocations to the agent backend over HTTP.
type Webhook struct {
	client  *fasthttp.Client
	url     string
	timeout time.Duration
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	return NewWebhookWithClient(url, timeout, &fasthttp.Client{
		Name:                "salas-virtuais",
		MaxConnsPerHost:     64,
		MaxIdleConnDuration: time.Minute,
	})
}

func NewWebhookWithClient(url string, timeout time.Duration, client *fasthttp.Client) *Webhook {
	return &Webhook{client: client, url: url, timeout: timeout}
}

func (w *Webhook) Invoke(ctx context.Context, req Request) (Response, error) {
	history := req.History
	if history == nil {
		history = []Turn{}
	}
	body, err := json.Marshal(webhookRequest{
		AgentID:             req.AgentID,
		Input:               req.Input,
		IsCustomAgent:       true,
		IsVirtualRoom:       true,
		ConversationHistory: history,
	})
	if err != nil {
		return Response{}, fmt.Errorf("encoding agent request: %w", err)
	}

	hreq := fasthttp.AcquireRequest()
	hresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(hreq)
	defer fasthttp.ReleaseResponse(hresp)

	hreq.SetRequestURI(w.url)
	hreq.Header.SetMethod(fasthttp.MethodPost)
	hreq.Header.SetContentType("application/json")
	hreq.SetBody(body)

	if err := w.client.DoTimeout(hreq, hresp, w.budget(ctx)); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return Response{}, ErrTimeout
		}
		if ctx.Err() != nil {
			return Response{}, ErrTimeout
		}
		return Response{}, fmt.Errorf("calling agent webhook: %w", err)
	}

	code := hresp.StatusCode()
	if code < 200 || code > 299 {
		b := string(hresp.Body())
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return Response{}, &StatusError{Code: code, Body: b}
	}

	var out webhookResponse
	if err := json.Unmarshal(hresp.Body(), &out); err != nil {
		return Response{}, fmt.Errorf("decoding agent response: %w", err)
	}
	if strings.TrimSpace(out.Output) == "" {
		return Response{}, ErrEmptyOutput
	}
	return Response{Output: out.Output}, nil
}

// budget is the configured timeout, shortened by an earlier ctx deadline.
func (w *Webhook) budget(ctx context.Context) time.Duration {
	timeout := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	return timeout
}
