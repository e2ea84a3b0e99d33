// Package serial is the control-side initiator of serial operations. Every
// operation registers its callbacks before the command is sent to the
// runner, so the outcome envelope always finds them.
package serial

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/mithrel/cncserver/internal/callbacks"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/pkg/api"
)

var ErrRunnerUnavailable = errors.New("runner not connected")

// Sender delivers an envelope to the runner, reporting whether it was queued.
type Sender interface {
	Send(env api.Envelope) bool
}

// Config is the bot's controller section.
type Config struct {
	Port         string
	BaudRate     int
	InitCommands []string
}

type Controller struct {
	cfg  Config
	send Sender
	cb   *callbacks.Registry
	hub  *events.Hub
	log  *slog.Logger

	triggers <-chan events.Event
	stop     func()
}

// New subscribes to the hub immediately so no trigger raised before Run is
// lost.
func New(cfg Config, send Sender, cb *callbacks.Registry, hub *events.Hub, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{cfg: cfg, send: send, cb: cb, hub: hub, log: log}
	c.triggers, c.stop = hub.Subscribe()
	return c
}

// Connect asks the runner to open port. h receives the outcome.
func (c *Controller) Connect(port string, baud int, h callbacks.Handlers) (callbacks.OpID, error) {
	if port == "" {
		port = c.cfg.Port
	}
	if baud <= 0 {
		baud = c.cfg.BaudRate
	}
	id := c.cb.Register(h)
	req := api.ConnectRequest{Port: port, BaudRate: baud}
	if !c.send.Send(api.NewEnvelope(api.CmdSerialConnect, req.Map())) {
		c.cb.Retire(id)
		return "", ErrRunnerUnavailable
	}
	c.log.Info("serial connect requested", "port", port, "baud", baud, "op", id)
	return id, nil
}

// Disconnect asks the runner to close the port.
func (c *Controller) Disconnect(h callbacks.Handlers) (callbacks.OpID, error) {
	id := c.cb.Register(h)
	if !c.send.Send(api.NewEnvelope(api.CmdSerialDisconnect, nil)) {
		c.cb.Retire(id)
		return "", ErrRunnerUnavailable
	}
	return id, nil
}

// Write sends one line to the device.
func (c *Controller) Write(line string) error {
	if !c.send.Send(api.NewEnvelope(api.CmdSerialWrite, line)) {
		return ErrRunnerUnavailable
	}
	return nil
}

// Cancel retires a pending operation so none of its callbacks fire.
func (c *Controller) Cancel(id callbacks.OpID) bool {
	return c.cb.Retire(id)
}

// LocalTrigger raises an in-process event.
func (c *Controller) LocalTrigger(name string) {
	c.hub.Publish(name, nil)
}

// InitDevice writes the configured initialization commands in order.
func (c *Controller) InitDevice() error {
	for _, cmd := range c.cfg.InitCommands {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if err := c.Write(cmd); err != nil {
			return err
		}
	}
	return nil
}

// AutoConnect is the runner-ready hook: it opens the configured port and
// initializes the device once the port is up.
func (c *Controller) AutoConnect() {
	_, err := c.Connect("", 0, callbacks.Handlers{
		Connect: func(any) {
			c.LocalTrigger(events.BotInit)
		},
		Error: func(data any) {
			c.log.Warn("serial connect failed", "port", c.cfg.Port, "data", data)
		},
	})
	if err != nil {
		c.log.Warn("auto-connect skipped", "error", err)
	}
}

// Run handles local triggers until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.triggers:
			if !ok {
				return
			}
			if ev.Name != events.BotInit {
				continue
			}
			if err := c.InitDevice(); err != nil {
				c.log.Warn("device init failed", "error", err)
				continue
			}
			c.log.Info("device init sent", "commands", len(c.cfg.InitCommands))
		}
	}
}
