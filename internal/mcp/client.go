// Package mcp is a minimal Model Context Protocol client over the SSE transport.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const protocolVersion = "2024-11-05"

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolResult is the text content of a tools/call response.
type ToolResult struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	result json.RawMessage
	err    *RPCError
}

// Client connects to one MCP server: a long-lived SSE stream carries
// responses, requests are POSTed to the endpoint the stream announces.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	http    *http.Client
	timeout time.Duration

	mu      sync.Mutex
	tools   []ToolInfo
	pending map[int64]chan rpcResponse
	nextID  atomic.Int64
	cancel  context.CancelFunc
	logger  *zap.Logger
}

// NewClient creates a client for the given SSE endpoint. timeout bounds
// each request; zero means 30s.
func NewClient(name, sseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		name:    name,
		sseURL:  sseURL,
		http:    &http.Client{},
		timeout: timeout,
		pending: make(map[int64]chan rpcResponse),
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// ListTools returns the tools discovered at connect time.
func (c *Client) ListTools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the SSE stream, performs the initialize handshake and
// fetches the tool list.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	// Until the endpoint is known, either the caller's ctx or the request
	// timeout tears the stream down.
	stopCtx := context.AfterFunc(ctx, cancel)
	deadline := time.AfterFunc(c.timeout, cancel)
	handshakeErr := func(err error) error {
		stopCtx()
		deadline.Stop()
		defer cancel()
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("mcp connect %s: %w", c.name, ctx.Err())
		case streamCtx.Err() != nil:
			return fmt.Errorf("mcp connect %s: stream closed before endpoint event (timeout %s)", c.name, c.timeout)
		}
		return err
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		return handshakeErr(fmt.Errorf("mcp connect: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return handshakeErr(fmt.Errorf("mcp sse connect: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return handshakeErr(fmt.Errorf("mcp sse status %d", resp.StatusCode))
	}

	events := newEventReader(resp.Body)
	endpoint, err := events.waitFor("endpoint")
	if err != nil {
		resp.Body.Close()
		return handshakeErr(fmt.Errorf("mcp endpoint event: %w", err))
	}
	if !stopCtx() || !deadline.Stop() {
		resp.Body.Close()
		return handshakeErr(fmt.Errorf("mcp endpoint event: stream cancelled"))
	}
	rpcURL, err := c.resolveURL(endpoint)
	if err != nil {
		resp.Body.Close()
		cancel()
		return err
	}
	c.rpcURL = rpcURL
	go c.readLoop(events, resp.Body)
	c.logger.Info("MCP endpoint discovered", zap.String("name", c.name), zap.String("rpc", c.rpcURL))

	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "taskforge", "version": "1.0"},
	}); err != nil {
		c.Close()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.Close()
		return fmt.Errorf("mcp initialized: %w", err)
	}

	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	var list struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &list); err != nil {
		c.Close()
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	c.logger.Info("MCP tools discovered", zap.String("name", c.name), zap.Int("count", len(list.Tools)))
	return nil
}

// CallTool invokes a tool and concatenates its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return &ToolResult{Text: string(result)}, nil
	}
	var texts []string
	for _, part := range resp.Content {
		if part.Type == "text" {
			texts = append(texts, part.Text)
		}
	}
	return &ToolResult{Text: strings.Join(texts, "\n"), IsError: resp.IsError}, nil
}

// Close stops the SSE reader and releases waiting callers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) resolveURL(endpoint string) (string, error) {
	base, err := url.Parse(c.sseURL)
	if err != nil {
		return "", fmt.Errorf("parse sse url: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) readLoop(events *eventReader, body io.ReadCloser) {
	defer body.Close()
	for {
		ev, data, err := events.next()
		if err != nil {
			return
		}
		if ev != "message" {
			continue
		}
		var envelope struct {
			ID     *int64          `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *RPCError       `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &envelope); err != nil || envelope.ID == nil {
			c.logger.Debug("mcp: ignoring non-response event", zap.String("name", c.name))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*envelope.ID]
		delete(c.pending, *envelope.ID)
		c.mu.Unlock()
		if ok {
			ch <- rpcResponse{result: envelope.Result, err: envelope.Error}
		}
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.post(ctx, map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp client %s closed", c.name)
		}
		if resp.err != nil {
			return nil, resp.err
		}
		return resp.result, nil
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) notify(ctx context.Context, method string) error {
	return c.post(ctx, map[string]any{"jsonrpc": "2.0", "method": method})
}

func (c *Client) post(ctx context.Context, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal rpc: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send rpc: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc post status %d", resp.StatusCode)
	}
	return nil
}

// eventReader yields (event, data) pairs from an SSE stream.
type eventReader struct {
	scanner *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	return &eventReader{scanner: sc}
}

func (e *eventReader) next() (string, string, error) {
	event := "message"
	var data []string
	for e.scanner.Scan() {
		line := e.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				return event, strings.Join(data, "\n"), nil
			}
			event = "message"
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := e.scanner.Err(); err != nil {
		return "", "", err
	}
	return "", "", io.EOF
}

func (e *eventReader) waitFor(event string) (string, error) {
	for {
		ev, data, err := e.next()
		if err != nil {
			return "", fmt.Errorf("SSE stream ended without %s event: %w", event, err)
		}
		if ev == event {
			return data, nil
		}
	}
}
