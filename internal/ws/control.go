package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/internal/events"
	"github.com/applyflow/applyflow/internal/session"
	"github.com/applyflow/applyflow/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	commandTimeout = 30 * time.Second
	// outboundBuffer absorbs telemetry bursts between writer wakeups.
	outboundBuffer = 32
)

// Server handles session control channels: one WebSocket per client per
// session carrying lifecycle commands inbound and telemetry outbound.
type Server struct {
	registry *session.Registry
	broker   *events.Broker
	logger   zerolog.Logger
}

func NewServer(registry *session.Registry, broker *events.Broker, logger zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		broker:   broker,
		logger:   logger.With().Str("component", "ws").Logger(),
	}
}

// HandleSession upgrades the connection and serves the control channel
// until the client disconnects or the session is evicted.
func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:     conn,
		session:  sess,
		server:   s,
		outbound: make(chan any, outboundBuffer),
		closed:   make(chan struct{}),
		logger:   s.logger.With().Str("session_id", sessionID).Str("remote", r.RemoteAddr).Logger(),
	}

	sub := s.broker.Subscribe(sessionID)
	defer s.broker.Unsubscribe(sub)

	c.logger.Info().Msg("control channel connected")
	go c.writer()
	go c.forward(sub)

	c.reader()
	close(c.closed)
	c.logger.Info().Msg("control channel disconnected")
}

// client is one connected control channel. All writes to the socket go
// through the outbound channel so only the writer goroutine touches the
// connection for writes.
type client struct {
	conn     *websocket.Conn
	session  *session.Session
	server   *Server
	outbound chan any
	closed   chan struct{}
	logger   zerolog.Logger
}

// send queues an outbound message, dropping it if the connection is
// going away.
func (c *client) send(msg any) {
	select {
	case c.outbound <- msg:
	case <-c.closed:
	}
}

func (c *client) writer() {
	for {
		select {
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("control channel write failed")
				c.conn.Close()
				return
			}
		case <-c.closed:
			c.conn.Close()
			return
		}
	}
}

// forward translates broker events into control channel messages.
func (c *client) forward(sub *events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if msg := translate(ev); msg != nil {
				c.send(msg)
			}
		case <-c.closed:
			return
		}
	}
}

func translate(ev models.Event) any {
	switch ev.Kind {
	case models.EventStatus:
		payload, ok := ev.Payload.(models.StatusPayload)
		if !ok {
			return nil
		}
		return models.StatusUpdate{
			Kind:        models.MsgStatusUpdate,
			SessionID:   ev.SessionID,
			State:       payload.State,
			CurrentStep: payload.CurrentStep,
			Progress:    payload.Progress,
		}
	case models.EventScreenshot:
		payload, ok := ev.Payload.(models.ScreenshotPayload)
		if !ok {
			return nil
		}
		return models.ScreenshotMessage{
			Kind: models.MsgScreenshot,
			Data: payload.Data,
		}
	case models.EventLog, models.EventError:
		return models.PageEventMessage{
			Kind:  models.MsgPageEvent,
			Event: string(ev.Kind),
			Data:  ev.Payload,
		}
	}
	return nil
}

func (c *client) reader() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("control channel read failed")
			}
			return
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(models.AutomationResponse{
				Kind:    models.MsgAutomationResponse,
				Success: false,
				Detail:  fmt.Sprintf("malformed message: %v", err),
			})
			continue
		}
		c.dispatch(msg)
	}
}

func (c *client) dispatch(msg models.ClientMessage) {
	switch msg.Kind {
	case models.MsgGetStatus:
		snap := c.session.Snapshot()
		update := models.StatusUpdate{
			Kind:      models.MsgStatusUpdate,
			SessionID: snap.ID,
			State:     snap.State,
			Progress:  snap.Progress,
		}
		c.send(update)

	case models.MsgStartAutomation:
		if len(msg.Script) > 0 {
			c.send(models.AutomationResponse{
				Kind:    models.MsgAutomationResponse,
				Action:  msg.Kind,
				Success: false,
				Detail:  "task script is fixed at session creation and cannot be replaced",
			})
			return
		}
		_, err := c.session.Start()
		c.ack(msg.Kind, err)

	case models.MsgPauseAutomation:
		c.ack(msg.Kind, c.session.Pause())

	case models.MsgResumeAutomation:
		c.ack(msg.Kind, c.session.Resume())

	case models.MsgStopAutomation:
		c.ack(msg.Kind, c.session.Stop())

	case models.MsgRequestScreenshot:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		data, err := c.session.CaptureScreenshot(ctx)
		cancel()
		if err != nil {
			c.ack(msg.Kind, err)
			return
		}
		c.send(models.ScreenshotMessage{
			Kind: models.MsgScreenshot,
			Data: data,
		})

	case models.MsgBrowserAction:
		if msg.Action == nil {
			c.send(models.BrowserActionResponse{
				Kind:    models.MsgBrowserActionResponse,
				Success: false,
				Detail:  "browser_action requires an action",
			})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		err := c.session.ManualAction(ctx, *msg.Action)
		cancel()
		resp := models.BrowserActionResponse{
			Kind:    models.MsgBrowserActionResponse,
			Action:  string(msg.Action.Type),
			Success: err == nil,
		}
		if err != nil {
			resp.Detail = err.Error()
		}
		c.send(resp)

	default:
		// Unknown kinds get an explicit rejection rather than silence so
		// client bugs surface immediately.
		c.send(models.AutomationResponse{
			Kind:    models.MsgAutomationResponse,
			Action:  msg.Kind,
			Success: false,
			Detail:  fmt.Sprintf("unknown message kind: %q", msg.Kind),
		})
	}
}

func (c *client) ack(action string, err error) {
	resp := models.AutomationResponse{
		Kind:    models.MsgAutomationResponse,
		Action:  action,
		Success: err == nil,
	}
	if err != nil {
		resp.Detail = err.Error()
	}
	c.send(resp)
}
