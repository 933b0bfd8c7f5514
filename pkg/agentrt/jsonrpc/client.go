// Package jsonrpc implements the JSON-RPC 2.0 framing used to talk to the
// external agent runtime over its stdin/stdout pipes. Unlike a plain RPC
// client it also dispatches requests initiated by the runtime (permission
// checks) back into a caller-provided handler.
package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/logger"
)

// RequestHandler serves a request initiated by the runtime. The returned
// value is marshaled into the response result; an error becomes an RPC
// error response.
type RequestHandler func(method string, params json.RawMessage) (interface{}, error)

// Client handles JSON-RPC 2.0 communication over stdin/stdout streams
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[string]chan *Response
	mu        sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      RequestHandler

	logger *logger.Logger
	done   chan struct{}
}

// NewClient creates a new JSON-RPC client
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[string]chan *Response),
		logger:  log.WithFields(zap.String("component", "jsonrpc-client")),
		done:    make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler func(method string, params json.RawMessage)) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for requests initiated by the runtime
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// Start begins reading responses from stdout
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Stop stops the client
func (c *Client) Stop() {
	select {
	case <-c.done:
		// already stopped
	default:
		close(c.done)
	}
}

// Call sends a request and waits for a response
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}

	// Create response channel. The pending map is keyed by the canonical
	// string form of the id: we send ids as integers, but the decoder hands
	// them back as float64, so the raw values would never compare equal.
	key := strconv.FormatInt(id, 10)
	respCh := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[key] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	// Send request
	if err := c.send(req); err != nil {
		return nil, err
	}

	// Wait for response
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	notif := &Notification{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
	}

	return c.send(notif)
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	data = append(data, '\n')
	_, err = c.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.logger.Debug("sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Increase buffer size for large messages
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.Debug("received message", zap.String("data", string(line)))

		// A message with both an ID and a method is a runtime-initiated request
		var req Request
		if err := json.Unmarshal(line, &req); err == nil && req.ID != nil && req.Method != "" {
			c.handleRequest(&req)
			continue
		}

		// Try to parse as response
		var resp Response
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != nil {
			c.handleResponse(&resp)
			continue
		}

		// Try to parse as notification
		var notif Notification
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			c.handleNotification(&notif)
			continue
		}

		c.logger.Warn("received unknown message format", zap.String("data", string(line)))
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

// idKey normalizes a decoded message id into the pending-map key form.
// Every id this client issues is an integer, so an integral float64 from
// the JSON decoder maps onto the same key the Call stored.
func idKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c *Client) handleResponse(resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[idKey(resp.ID)]
	c.mu.Unlock()

	if ok {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

func (c *Client) handleNotification(notif *Notification) {
	if c.onNotification != nil {
		c.onNotification(notif.Method, notif.Params)
	}
}

// handleRequest dispatches a runtime-initiated request and writes the reply.
func (c *Client) handleRequest(req *Request) {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if c.onRequest == nil {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "no request handler registered"}
	} else {
		result, err := c.onRequest(req.Method, req.Params)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: err.Error()}
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				resp.Error = &RPCError{Code: CodeInternalError, Message: "failed to marshal result"}
			} else {
				resp.Result = data
			}
		}
	}

	if err := c.send(resp); err != nil {
		c.logger.Error("failed to send reply",
			zap.String("method", req.Method),
			zap.Error(err))
	}
}
