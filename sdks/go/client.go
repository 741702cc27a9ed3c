package policyengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Execution context headers the server requires on agent calls.
const (
	ExecutionIDHeader   = "x-execution-id"
	ParentSpanIDHeader  = "x-parent-span-id"
	CorrelationIDHeader = "x-correlation-id"
	SessionIDHeader     = "x-session-id"
)

// Client talks to a running policy-engine server. It is safe for concurrent
// use.
type Client struct {
	serverAddr string
	timeout    time.Duration
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	// Optional client-side memo of allow decisions. Off unless cacheTTL > 0.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex
}

// cacheEntry is a memoized envelope with expiry.
type cacheEntry struct {
	envelope  *Envelope
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a policy-engine client. It reads defaults from
// POLICY_ENGINE_* environment variables; options override them.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   envOrDefault("POLICY_ENGINE_SERVER_ADDR", "http://127.0.0.1:3000"),
		timeout:      parseDurationEnv("POLICY_ENGINE_TIMEOUT", 10*time.Second),
		userAgent:    "policy-engine-sdk-go",
		cacheTTL:     parseDurationEnv("POLICY_ENGINE_CACHE_TTL", 0),
		cacheMaxSize: parseIntEnv("POLICY_ENGINE_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}

	return c
}

// Evaluate runs the policy enforcement agent. The returned envelope carries
// the decision event; error events ride the success path, so a deny is not
// an error. A terminal envelope failure returns both the envelope and an
// *APIError.
func (c *Client) Evaluate(ctx context.Context, call CallContext, req EvaluationRequest) (*Envelope, error) {
	key, cacheable := c.cacheKey(req)
	if cacheable {
		if env, ok := c.getCached(key); ok {
			return env, nil
		}
	}

	env, err := c.doAgent(ctx, "/v1/evaluate", call, req)
	if err != nil {
		return env, err
	}

	if cacheable && env.Data != nil && env.Data.Allowed() {
		c.putCached(key, env)
	}
	return env, nil
}

// Resolve runs the constraint solver agent. The server always traces.
func (c *Client) Resolve(ctx context.Context, call CallContext, req EvaluationRequest) (*Envelope, error) {
	return c.doAgent(ctx, "/v1/resolve", call, req)
}

// Route runs the approval routing agent.
func (c *Client) Route(ctx context.Context, call CallContext, in ApprovalInput) (*Envelope, error) {
	return c.doAgent(ctx, "/v1/route", call, in)
}

// Check evaluates and reduces to a boolean. A deny decision is (false, nil);
// only transport and terminal envelope errors surface as errors.
func (c *Client) Check(ctx context.Context, call CallContext, req EvaluationRequest) (bool, error) {
	env, err := c.Evaluate(ctx, call, req)
	if err != nil {
		return false, err
	}
	if env.Data == nil {
		return false, nil
	}
	return env.Data.Allowed(), nil
}

// Agents lists the decision agents the server hosts.
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/agents", CallContext{}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(body, status)
	}

	var answer struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return answer.Agents, nil
}

// RegisterAgent announces an agent to the platform. The server persists an
// agent_registration record and returns the registered metadata.
func (c *Client) RegisterAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/v1/agents/"+agentID+"/register", CallContext{}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(body, status)
	}

	var info AgentInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return &info, nil
}

// ApprovalStatus looks up the state of a previously routed approval request.
// A nil Status with nil error means the engine has no resolution for the id.
func (c *Client) ApprovalStatus(ctx context.Context, approvalRequestID string) (*ApprovalStatusAnswer, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/approvals/"+approvalRequestID, CallContext{}, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiErrorFrom(body, status)
	}

	var answer ApprovalStatusAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("decode approval status: %w", err)
	}
	return &answer, nil
}

// ServerHealth fetches the /healthz report.
func (c *Client) ServerHealth(ctx context.Context) (*Health, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/healthz", CallContext{}, nil)
	if err != nil {
		return nil, err
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	// 503 still carries a well-formed report; the Status field says why.
	_ = status
	return &h, nil
}

// doAgent posts an agent request and decodes the decision envelope. The
// envelope is returned even on terminal failures so callers can inspect the
// span tree.
func (c *Client) doAgent(ctx context.Context, path string, call CallContext, payload any) (*Envelope, error) {
	body, status, err := c.do(ctx, http.MethodPost, path, call, payload)
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apiErrorFrom(body, status)
	}

	if !env.Success {
		return &env, envelopeError(&env, status)
	}
	return &env, nil
}

// do performs one HTTP exchange and returns the raw body and status.
// Transport-level failures come back as *UnreachableError.
func (c *Client) do(ctx context.Context, method, path string, call CallContext, payload any) ([]byte, int, error) {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", c.userAgent)
	setCallHeaders(req, call)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &UnreachableError{Addr: c.serverAddr, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// setCallHeaders stamps the execution context headers. Empty fields are
// omitted; the server rejects calls missing the required pair.
func setCallHeaders(req *http.Request, call CallContext) {
	if call.ExecutionID != "" {
		req.Header.Set(ExecutionIDHeader, call.ExecutionID)
	}
	if call.ParentSpanID != "" {
		req.Header.Set(ParentSpanIDHeader, call.ParentSpanID)
	}
	if call.CorrelationID != "" {
		req.Header.Set(CorrelationIDHeader, call.CorrelationID)
	}
	if call.SessionID != "" {
		req.Header.Set(SessionIDHeader, call.SessionID)
	}
}

// envelopeError builds the APIError for a failed envelope.
func envelopeError(env *Envelope, status int) error {
	if env.Error == nil {
		return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: "server returned failure without error detail", HTTPStatus: status}
	}
	return &APIError{
		Code:       env.Error.Code,
		Message:    env.Error.Message,
		Details:    env.Error.Details,
		HTTPStatus: status,
	}
}

// apiErrorFrom builds the APIError for an undecodable or non-envelope body.
func apiErrorFrom(body []byte, status int) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &APIError{
		Code:       fmt.Sprintf("HTTP_%d", status),
		Message:    msg,
		HTTPStatus: status,
	}
}

// cacheKey fingerprints an evaluation request. Dry runs and traced requests
// are never cached.
func (c *Client) cacheKey(req EvaluationRequest) (string, bool) {
	if c.cacheTTL <= 0 || req.DryRun || req.Trace {
		return "", false
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

func (c *Client) getCached(key string) (*Envelope, bool) {
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.envelope, true
}

func (c *Client) putCached(key string, env *Envelope) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			if now.After(v.(*cacheEntry).expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		// Still full: drop the oldest entry.
		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	now := time.Now()
	c.cache.Store(key, &cacheEntry{envelope: env, expiresAt: now.Add(c.cacheTTL), createdAt: now})
	c.cacheCount++
}

// IsTerminal reports whether err is a terminal request failure (structural,
// execution-context, or governance rejection) rather than a transport issue.
func IsTerminal(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodeStructural, CodeExecutionContext, CodeGovernance:
		return true
	}
	return false
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
