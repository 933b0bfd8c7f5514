package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentcell/agentcell/internal/common/logger"
	"github.com/agentcell/agentcell/pkg/agentrt/jsonrpc"
	"github.com/agentcell/agentcell/pkg/agentrt/protocol"
)

// ErrResumeFailed marks a connect failure caused by a stale or invalid
// resume token. The caller clears the token and reconnects fresh.
var ErrResumeFailed = errors.New("resume failed")

// disconnectTimeout bounds how long Disconnect waits for a clean exit
// before killing the process.
const disconnectTimeout = 5 * time.Second

// StdioClient drives an agent runtime subprocess over its stdio pipes.
type StdioClient struct {
	opts   Options
	logger *logger.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	rpc       *jsonrpc.Client
	sessionID string
	stopRead  context.CancelFunc
	exited    chan struct{}
	exitErr   error

	emitMu  sync.Mutex
	emit    EmitFunc
	emitErr error
}

// NewStdioClient creates a client for one runtime process. Connect must
// be called before Query.
func NewStdioClient(opts Options, log *logger.Logger) *StdioClient {
	return &StdioClient{
		opts:   opts,
		logger: log.WithFields(zap.String("component", "runtime-client")),
	}
}

// Connect spawns the runtime process, performs the initialize handshake,
// and creates or resumes the conversation.
func (c *StdioClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		return nil
	}

	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	cmd.Dir = c.opts.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start runtime %s: %w", c.opts.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.exited = make(chan struct{})
	c.exitErr = nil

	go c.logStderr(stderr)
	go c.waitExit(cmd, c.exited)

	rpc := jsonrpc.NewClient(stdin, stdout, c.logger)
	rpc.SetNotificationHandler(c.handleNotification)
	rpc.SetRequestHandler(c.handleRequest)

	readCtx, stopRead := context.WithCancel(context.Background())
	rpc.Start(readCtx)
	c.rpc = rpc
	c.stopRead = stopRead

	if err := c.handshake(ctx, rpc); err != nil {
		c.teardownLocked()
		return err
	}

	c.logger.Info("runtime connected",
		zap.String("command", c.opts.Command),
		zap.String("working_dir", c.opts.WorkingDir),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("resumed", c.opts.ResumeToken != ""))
	return nil
}

// handshake runs initialize followed by session/new or session/load.
func (c *StdioClient) handshake(ctx context.Context, rpc *jsonrpc.Client) error {
	resp, err := rpc.Call(ctx, protocol.MethodInitialize, protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		WorkingDir:      c.opts.WorkingDir,
	})
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize rejected: %w", resp.Error)
	}

	if c.opts.ResumeToken != "" {
		resp, err = rpc.Call(ctx, protocol.MethodSessionLoad, protocol.SessionLoadParams{
			ResumeToken: c.opts.ResumeToken,
			WorkingDir:  c.opts.WorkingDir,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrResumeFailed, err)
		}
		if resp.Error != nil {
			return fmt.Errorf("%w: %s", ErrResumeFailed, resp.Error.Message)
		}
	} else {
		resp, err = rpc.Call(ctx, protocol.MethodSessionNew, protocol.SessionNewParams{
			WorkingDir: c.opts.WorkingDir,
		})
		if err != nil {
			return fmt.Errorf("session create failed: %w", err)
		}
		if resp.Error != nil {
			return fmt.Errorf("session create rejected: %w", resp.Error)
		}
	}

	var result protocol.SessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("invalid session result: %w", err)
	}
	c.sessionID = result.SessionID
	return nil
}

// Query submits one message and streams events until the runtime
// finishes the turn. Returns the resume token for the next turn.
func (c *StdioClient) Query(ctx context.Context, message string, emit EmitFunc) (string, error) {
	c.mu.Lock()
	rpc := c.rpc
	sessionID := c.sessionID
	exited := c.exited
	c.mu.Unlock()

	if rpc == nil {
		return "", fmt.Errorf("runtime not connected")
	}

	select {
	case <-exited:
		return "", fmt.Errorf("cannot write to terminated process")
	default:
	}

	c.emitMu.Lock()
	c.emit = emit
	c.emitErr = nil
	c.emitMu.Unlock()
	defer func() {
		c.emitMu.Lock()
		c.emit = nil
		c.emitMu.Unlock()
	}()

	resp, err := rpc.Call(ctx, protocol.MethodSessionPrompt, protocol.PromptParams{
		SessionID: sessionID,
		Message:   message,
	})
	if err != nil {
		select {
		case <-exited:
			return "", c.exitError()
		default:
		}
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("prompt rejected: %w", resp.Error)
	}

	var result protocol.PromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("invalid prompt result: %w", err)
	}

	c.emitMu.Lock()
	emitErr := c.emitErr
	c.emitMu.Unlock()
	if emitErr != nil {
		return result.ResumeToken, emitErr
	}
	return result.ResumeToken, nil
}

// Cancel aborts the in-flight exchange.
func (c *StdioClient) Cancel(ctx context.Context) error {
	c.mu.Lock()
	rpc := c.rpc
	sessionID := c.sessionID
	c.mu.Unlock()

	if rpc == nil {
		return nil
	}
	return rpc.Notify(protocol.MethodSessionCancel, protocol.CancelParams{SessionID: sessionID})
}

// Disconnect shuts the runtime down, killing it if it does not exit
// within the grace period.
func (c *StdioClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc == nil {
		return nil
	}

	c.rpc.Stop()
	c.stopRead()
	c.stdin.Close()

	select {
	case <-c.exited:
	case <-time.After(disconnectTimeout):
		c.logger.Warn("runtime did not exit, killing", zap.Int("pid", c.cmd.Process.Pid))
		c.cmd.Process.Kill()
		<-c.exited
	}

	c.rpc = nil
	c.cmd = nil
	return nil
}

// Kill force-terminates the runtime process.
func (c *StdioClient) Kill() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}

	select {
	case <-c.exited:
		// already gone
	default:
		if err := c.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill runtime: %w", err)
		}
		<-c.exited
	}

	if c.rpc != nil {
		c.rpc.Stop()
		c.stopRead()
	}
	c.rpc = nil
	c.cmd = nil
	return nil
}

// teardownLocked aborts a half-finished Connect. Caller holds mu.
func (c *StdioClient) teardownLocked() {
	if c.rpc != nil {
		c.rpc.Stop()
	}
	if c.stopRead != nil {
		c.stopRead()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		select {
		case <-c.exited:
		default:
			c.cmd.Process.Kill()
			<-c.exited
		}
	}
	c.rpc = nil
	c.cmd = nil
}

// waitExit reaps the process and records its exit status. The status
// write is published to readers by the channel close.
func (c *StdioClient) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	c.exitErr = err
	close(exited)

	if err != nil {
		c.logger.Debug("runtime exited", zap.Error(err))
	}
}

// exitError renders the recorded exit status. Only valid after the
// exited channel is closed.
func (c *StdioClient) exitError() error {
	err := c.exitErr

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("runtime exited with exit code %d", exitErr.ExitCode())
	}
	return fmt.Errorf("cannot write to terminated process")
}

// logStderr forwards runtime stderr lines to the log.
func (c *StdioClient) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("runtime stderr", zap.String("line", scanner.Text()))
	}
}

// handleNotification forwards session/event payloads to the active
// exchange's emit callback.
func (c *StdioClient) handleNotification(method string, params json.RawMessage) {
	if method != protocol.MethodSessionEvent {
		c.logger.Debug("ignoring notification", zap.String("method", method))
		return
	}

	var event protocol.Event
	if err := json.Unmarshal(params, &event); err != nil {
		c.logger.Warn("malformed session event", zap.Error(err))
		return
	}

	c.emitMu.Lock()
	emit := c.emit
	alreadyFailed := c.emitErr != nil
	c.emitMu.Unlock()

	if emit == nil || alreadyFailed {
		return
	}

	if err := emit(event); err != nil {
		c.emitMu.Lock()
		c.emitErr = err
		c.emitMu.Unlock()
		// The consumer is gone; stop the runtime's work for this turn.
		if cancelErr := c.Cancel(context.Background()); cancelErr != nil {
			c.logger.Debug("cancel after emit failure", zap.Error(cancelErr))
		}
	}
}

// handleRequest answers runtime-initiated requests, currently only tool
// permission checks.
func (c *StdioClient) handleRequest(method string, params json.RawMessage) (interface{}, error) {
	if method != protocol.MethodRequestPermission {
		return nil, fmt.Errorf("unsupported method %s", method)
	}

	var req protocol.PermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("malformed permission request: %w", err)
	}

	if c.opts.Permission == nil {
		return protocol.PermissionResult{Behavior: protocol.BehaviorAllow}, nil
	}

	result := c.opts.Permission(context.Background(), req.ToolName, req.Input)
	return result, nil
}
