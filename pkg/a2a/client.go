package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aixgo-dev/convergence/pkg/problem"
	"github.com/aixgo-dev/convergence/pkg/security"
)

// JSON-RPC methods.
const (
	MethodSendMessage   = "message/send"
	MethodStreamMessage = "message/stream"
)

const maxEventSize = 1 << 20

// Client talks to A2A agents. One client is shared by every remote agent so
// the rate limit and circuit breakers apply per endpoint across agents.
type Client struct {
	http      *http.Client
	headers   map[string]string
	limiter   *security.RateLimiter
	validator *security.URLValidator
	logger    *zap.Logger

	breakers *breakers
}

type breakers struct {
	maxFailures  int
	resetTimeout time.Duration

	mu sync.Mutex
	m  map[string]*security.CircuitBreaker
}

func (b *breakers) get(key string) *security.CircuitBreaker {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.m[key]
	if !ok {
		cb = security.NewCircuitBreaker(b.maxFailures, b.resetTimeout)
		b.m[key] = cb
	}
	return cb
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(cl *Client) { maps.Copy(cl.headers, headers) }
}

// WithRateLimit limits requests per endpoint host.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(cl *Client) { cl.limiter = security.NewRateLimiter(requestsPerSecond, burst) }
}

// WithCircuitBreaker stops calling an endpoint after maxFailures consecutive
// transport failures until resetTimeout has passed.
func WithCircuitBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(cl *Client) {
		cl.breakers = &breakers{
			maxFailures:  maxFailures,
			resetTimeout: resetTimeout,
			m:            make(map[string]*security.CircuitBreaker),
		}
	}
}

// WithURLValidator rejects endpoints the validator does not accept.
func WithURLValidator(v *security.URLValidator) Option {
	return func(cl *Client) { cl.validator = v }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// NewClient creates a client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 5 * time.Minute},
		headers: make(map[string]string),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// With returns a client that also sends headers. The copy shares the rate
// limiter and circuit breakers.
func (c *Client) With(headers map[string]string) *Client {
	cp := *c
	cp.headers = maps.Clone(c.headers)
	maps.Copy(cp.headers, headers)
	return &cp
}

// NewUserMessage builds a user text message. contextID groups turns of one
// conversation and may be empty.
func NewUserMessage(text, contextID string) Message {
	return Message{
		Kind:      "message",
		MessageID: uuid.New().String(),
		ContextID: contextID,
		Role:      RoleUser,
		Parts:     []Part{TextPart(text)},
	}
}

// Discover fetches the agent card published under endpoint.
func (c *Client) Discover(ctx context.Context, endpoint string) (*AgentCard, error) {
	base := strings.TrimRight(endpoint, "/")
	for _, path := range cardPaths {
		resp, err := c.do(ctx, base, http.MethodGet, base+path, nil, "application/json")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		card, err := decodeCard(resp)
		if err != nil {
			return nil, err
		}
		if card.URL == "" {
			card.URL = endpoint
		}
		c.logger.Debug("discovered agent card",
			zap.String("endpoint", endpoint),
			zap.String("name", card.Name),
			zap.Bool("streaming", card.Capabilities.Streaming))
		return card, nil
	}
	return nil, &problem.CommunicationError{Message: fmt.Sprintf("no agent card published at %s", endpoint)}
}

func decodeCard(resp *http.Response) (*AgentCard, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, &problem.CommunicationError{Message: "invalid agent card", Cause: err}
	}
	return &card, nil
}

// SendMessage calls message/send.
func (c *Client) SendMessage(ctx context.Context, endpoint string, params MessageSendParams) (*SendResult, error) {
	body, err := newRequest(MethodSendMessage, params)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, endpoint, http.MethodPost, endpoint, body, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return nil, &problem.CommunicationError{Message: "invalid JSON-RPC response", Cause: err}
	}
	if rpc.Error != nil {
		return nil, rpcError(rpc.Error)
	}

	var result SendResult
	if err := json.Unmarshal(rpc.Result, &result); err != nil {
		return nil, &problem.CommunicationError{Message: "invalid message/send result", Cause: err}
	}
	return &result, nil
}

// SendMessageStream calls message/stream and yields events as they arrive.
// The sequence ends after a final status update, at end of stream, or at the
// first error.
func (c *Client) SendMessageStream(ctx context.Context, endpoint string, params MessageSendParams) iter.Seq2[*StreamEvent, error] {
	return func(yield func(*StreamEvent, error) bool) {
		body, err := newRequest(MethodStreamMessage, params)
		if err != nil {
			yield(nil, err)
			return
		}
		resp, err := c.do(ctx, endpoint, http.MethodPost, endpoint, body, "text/event-stream")
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			yield(nil, statusError(resp))
			return
		}

		for data, err := range sseData(resp.Body) {
			if err != nil {
				yield(nil, &problem.CommunicationError{Message: "stream interrupted", Cause: err})
				return
			}

			var rpc rpcResponse
			if err := json.Unmarshal(data, &rpc); err != nil {
				yield(nil, &problem.CommunicationError{Message: "invalid stream event", Cause: err})
				return
			}
			if rpc.Error != nil {
				yield(nil, rpcError(rpc.Error))
				return
			}

			var event StreamEvent
			if err := json.Unmarshal(rpc.Result, &event); err != nil {
				yield(nil, &problem.CommunicationError{Message: "invalid stream event", Cause: err})
				return
			}
			if !yield(&event, nil) {
				return
			}
			if event.StatusUpdate != nil && event.StatusUpdate.Final {
				return
			}
		}
	}
}

// sseData yields the data payload of each server-sent event.
func sseData(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

		var buf bytes.Buffer
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if buf.Len() > 0 {
					data := bytes.Clone(buf.Bytes())
					buf.Reset()
					if !yield(data, nil) {
						return
					}
				}
			case strings.HasPrefix(line, "data:"):
				if buf.Len() > 0 {
					buf.WriteByte('\n')
				}
				buf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, err)
			return
		}
		if buf.Len() > 0 {
			yield(buf.Bytes(), nil)
		}
	}
}

func newRequest(method string, params any) ([]byte, error) {
	return json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	})
}

// do sends one request after validation, rate limiting and the circuit
// breaker for endpoint's host. Transport failures are recorded on the breaker.
func (c *Client) do(ctx context.Context, endpoint, method, target string, body []byte, accept string) (*http.Response, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, problem.InvalidConfiguration("invalid agent endpoint %q", endpoint)
	}
	if c.validator != nil {
		if err := c.validator.ValidateURL(endpoint); err != nil {
			return nil, problem.InvalidConfiguration("agent endpoint %q rejected", endpoint).Wrap(err)
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, u.Host); err != nil {
			return nil, err
		}
	}
	cb := c.breakers.get(u.Host)
	if cb != nil {
		if err := cb.Allow(); err != nil {
			return nil, &problem.CommunicationError{Message: endpoint, Cause: err}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if cb != nil {
		switch {
		case err != nil:
			cb.Record(err)
		case resp.StatusCode >= 500:
			cb.Record(fmt.Errorf("status %d", resp.StatusCode))
		default:
			cb.Record(nil)
		}
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, &problem.CommunicationError{Message: "request failed", Cause: err}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if s := strings.TrimSpace(string(data)); s != "" {
		msg += ": " + s
	}
	return &problem.CommunicationError{Message: msg}
}

func rpcError(e *RPCError) error {
	return &problem.CommunicationError{Code: e.Code, Message: e.Message}
}
