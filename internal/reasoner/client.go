package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrExchangeInFlight is returned when a send arrives while a
	// previous exchange is still submitted or streaming. The caller
	// must wait; the transport never queues a second request.
	ErrExchangeInFlight = errors.New("exchange already in flight")

	errUnknownToolCall = errors.New("unknown or settled tool call")
)

// Providers supplies request context read at call time rather than
// captured by closure, so a session identifier that becomes known only
// after the first exchange is picked up without rebuilding the client.
type Providers struct {
	SessionID func() string
	SystemID  func() string
	Plan      func() string
}

func (p Providers) sessionID() string {
	if p.SessionID == nil {
		return ""
	}
	return p.SessionID()
}

func (p Providers) systemID() string {
	if p.SystemID == nil {
		return ""
	}
	return p.SystemID()
}

func (p Providers) plan() string {
	if p.Plan == nil {
		return ""
	}
	return p.Plan()
}

// wire abstracts the underlying frame connection so the client can be
// exercised in tests without a live websocket.
type wire interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// Client is the streaming transport for one wizard session. At most
// one exchange is in flight at a time; frames received from the
// reasoning service are folded into the session's MessageLog.
type Client struct {
	log       *MessageLog
	wire      wire
	providers Providers
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to the reasoning service and starts the read loop.
func Dial(ctx context.Context, addr string, log *MessageLog, providers Providers, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial reasoning service at %s: %w", addr, err)
	}
	// Session histories carry full tool payloads; the default 32KB
	// read limit is too small for preview frames.
	conn.SetReadLimit(1 << 20)

	logger.Info("Connected to reasoning service", "address", addr)
	return newClient(&wsWire{conn: conn}, log, providers, logger), nil
}

func newClient(w wire, log *MessageLog, providers Providers, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		log:       log,
		wire:      w,
		providers: providers,
		logger:    logger,
		done:      make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.readLoop(ctx)
	return c
}

// Log returns the message log this client feeds.
func (c *Client) Log() *MessageLog {
	return c.log
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		data, err := c.wire.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("reasoning stream read failed", "error", err)
			c.log.Apply(Frame{Type: FrameError, Error: err.Error()})
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed stream frame, skipping", "error", err)
			continue
		}
		c.log.Apply(frame)
	}
}

func (c *Client) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wire.Write(ctx, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Send enqueues a user turn and opens a streaming response. Rejects
// deterministically while a previous exchange is in flight.
func (c *Client) Send(ctx context.Context, text string) error {
	switch c.log.Status() {
	case StatusSubmitted, StatusStreaming:
		return ErrExchangeInFlight
	}

	msg := c.log.AppendUser(text)
	err := c.writeFrame(ctx, Frame{
		Type:      FrameUserMessage,
		MessageID: msg.ID,
		Text:      text,
		SessionID: c.providers.sessionID(),
		SystemID:  c.providers.systemID(),
		Plan:      c.providers.plan(),
	})
	if err != nil {
		c.log.Apply(Frame{Type: FrameError, Error: err.Error()})
		return err
	}
	return nil
}

// SubmitToolOutput resolves a pending tool invocation locally and
// forwards the output to the reasoning service.
func (c *Client) SubmitToolOutput(ctx context.Context, toolName, toolCallID string, output json.RawMessage) error {
	if !c.log.ResolveTool(toolCallID, output) {
		return fmt.Errorf("%w: %s", errUnknownToolCall, toolCallID)
	}
	return c.writeFrame(ctx, Frame{
		Type:       FrameToolOutput,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Output:     output,
		SessionID:  c.providers.sessionID(),
	})
}

// Continue asks the reasoning service to resume the exchange after all
// pending tool calls have been resolved.
func (c *Client) Continue(ctx context.Context) error {
	if err := c.writeFrame(ctx, Frame{
		Type:      FrameContinue,
		SessionID: c.providers.sessionID(),
		SystemID:  c.providers.systemID(),
		Plan:      c.providers.plan(),
	}); err != nil {
		return err
	}
	c.log.setStatus(StatusSubmitted)
	return nil
}

// Stop aborts the in-flight stream. Partial assistant content already
// received stays in the message log.
func (c *Client) Stop(ctx context.Context) {
	if err := c.writeFrame(ctx, Frame{Type: FrameStop, SessionID: c.providers.sessionID()}); err != nil {
		c.logger.Warn("failed to send stop frame", "error", err)
	}
	c.log.MarkStopped()
}

// Close tears down the connection and waits for the read loop to exit.
func (c *Client) Close() {
	c.cancel()
	if err := c.wire.Close(); err != nil {
		c.logger.Debug("failed to close reasoning connection", "error", err)
	}
	<-c.done
}
