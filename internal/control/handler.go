package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command represents a control plane command
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// Topics names the control and response topics.
type Topics struct {
	Control string
	Status  string
}

// Handler handles control plane commands
type Handler struct {
	topics   Topics
	qos      byte
	client   mqtt.Client
	commands chan Command
	logger   *slog.Logger

	mu        sync.RWMutex
	callbacks CommandCallbacks
	handled   uint64
	failed    uint64
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus func() map[string]any
	OnShutdown  func() error
	// Style commands
	OnSetStyle func(doc string) error
	OnGetStyle func() string
	// Port commands
	OnAddPort    func(uri string, viewID int) (int, error)
	OnRemovePort func(portID int) error
	OnBindView   func(portID, viewID int) error
	OnRelayout   func()
	OnGetLayout  func() map[string]any
}

// NewHandler creates a new control plane handler
func NewHandler(client mqtt.Client, topics Topics, qos byte, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		topics:    topics,
		qos:       qos,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		logger:    logger,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	h.logger.Info("control: subscribing to control plane", "topic", h.topics.Control, "qos", h.qos)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	h.logger.Info("control: handler started")

	go h.processCommands(ctx)

	return nil
}

// Stop stops the control plane handler
func (h *Handler) Stop() error {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topics.Control)
		token.WaitTimeout(2 * time.Second)
	}

	close(h.commands)

	h.logger.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		h.logger.Error("control: failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	h.logger.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			if resp, ok := h.handleCommand(cmd); ok {
				h.sendResponse(resp)
			}
		}
	}
}

// handleCommand executes a command. The second result is false when the
// response has already been sent.
func (h *Handler) handleCommand(cmd Command) (Response, bool) {
	resp := Response{CommandAck: cmd.Command}

	h.mu.RLock()
	cb := h.callbacks
	h.mu.RUnlock()

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			return h.notImplemented(resp), true
		}
		resp.Status = "success"
		resp.Data = cb.OnGetStatus()

	case "set_style":
		if cb.OnSetStyle == nil {
			return h.notImplemented(resp), true
		}
		doc, err := styleParam(cmd.Params)
		if err != nil {
			return h.fail(resp, err), true
		}
		if err := cb.OnSetStyle(doc); err != nil {
			return h.fail(resp, err), true
		}
		resp.Status = "success"
		resp.Data = map[string]any{"message": "style applied"}
		if cb.OnGetStyle != nil {
			resp.Data["style"] = json.RawMessage(cb.OnGetStyle())
		}

	case "get_style":
		if cb.OnGetStyle == nil {
			return h.notImplemented(resp), true
		}
		resp.Status = "success"
		resp.Data = map[string]any{"style": json.RawMessage(cb.OnGetStyle())}

	case "add_port":
		if cb.OnAddPort == nil {
			return h.notImplemented(resp), true
		}
		uri, ok := cmd.Params["uri"].(string)
		if !ok || uri == "" {
			return h.fail(resp, fmt.Errorf("missing or invalid 'uri' parameter (expected string)")), true
		}
		viewID, ok := intParam(cmd.Params, "view_id")
		if !ok {
			viewID = -1
		}
		id, err := cb.OnAddPort(uri, viewID)
		if err != nil {
			return h.fail(resp, err), true
		}
		resp.Status = "success"
		resp.Data = map[string]any{"port_id": id, "view_id": viewID}

	case "remove_port":
		if cb.OnRemovePort == nil {
			return h.notImplemented(resp), true
		}
		id, ok := intParam(cmd.Params, "port_id")
		if !ok {
			return h.fail(resp, fmt.Errorf("missing or invalid 'port_id' parameter (expected integer)")), true
		}
		if err := cb.OnRemovePort(id); err != nil {
			return h.fail(resp, err), true
		}
		resp.Status = "success"
		resp.Data = map[string]any{"port_id": id, "message": "port released"}

	case "bind_view":
		if cb.OnBindView == nil {
			return h.notImplemented(resp), true
		}
		id, okID := intParam(cmd.Params, "port_id")
		viewID, okView := intParam(cmd.Params, "view_id")
		if !okID || !okView {
			return h.fail(resp, fmt.Errorf("missing or invalid 'port_id'/'view_id' parameters (expected integers)")), true
		}
		if err := cb.OnBindView(id, viewID); err != nil {
			return h.fail(resp, err), true
		}
		resp.Status = "success"
		resp.Data = map[string]any{"port_id": id, "view_id": viewID}

	case "relayout":
		if cb.OnRelayout == nil {
			return h.notImplemented(resp), true
		}
		cb.OnRelayout()
		resp.Status = "success"

	case "get_layout":
		if cb.OnGetLayout == nil {
			return h.notImplemented(resp), true
		}
		resp.Status = "success"
		resp.Data = cb.OnGetLayout()

	case "shutdown":
		if cb.OnShutdown == nil {
			return h.notImplemented(resp), true
		}
		h.logger.Warn("control: shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]any{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Respond before triggering shutdown
		h.sendResponse(resp)

		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := cb.OnShutdown(); err != nil {
				h.logger.Error("control: shutdown callback failed", "error", err)
			}
		}()
		h.count(resp)
		return resp, false

	default:
		return h.fail(resp, fmt.Errorf("unknown command: %s", cmd.Command)), true
	}

	h.count(resp)
	return resp, true
}

func (h *Handler) notImplemented(resp Response) Response {
	return h.fail(resp, fmt.Errorf("%s not implemented", resp.CommandAck))
}

func (h *Handler) fail(resp Response, err error) Response {
	resp.Status = "error"
	resp.Error = err.Error()
	h.count(resp)
	return resp
}

func (h *Handler) count(resp Response) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if resp.Status == "error" {
		h.failed++
	} else {
		h.handled++
	}
}

// sendResponse publishes a response to the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.topics.Status, h.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("control: failed to publish response", "error", err)
		return
	}

	h.logger.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

// Counts returns the number of successful and failed commands.
func (h *Handler) Counts() (handled, failed uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handled, h.failed
}

// styleParam accepts the style document either as a JSON string or as an
// inline object.
func styleParam(params map[string]any) (string, error) {
	raw, ok := params["style"]
	if !ok {
		return "", fmt.Errorf("missing 'style' parameter")
	}
	if s, ok := raw.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("invalid 'style' parameter: %w", err)
	}
	return string(data), nil
}

// intParam reads an integral JSON number.
func intParam(params map[string]any, key string) (int, bool) {
	f, ok := params[key].(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
