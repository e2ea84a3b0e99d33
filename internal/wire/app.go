// Package wire is the composition root: it turns a loaded configuration into
// the control-process and runner-process object graphs.
package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/mithrel/cncserver/internal/buffer"
	"github.com/mithrel/cncserver/internal/callbacks"
	"github.com/mithrel/cncserver/internal/config"
	"github.com/mithrel/cncserver/internal/dispatch"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/ipc/transport"
	"github.com/mithrel/cncserver/internal/notify"
	"github.com/mithrel/cncserver/internal/runner"
	"github.com/mithrel/cncserver/internal/serial"
	"github.com/mithrel/cncserver/internal/server"
	"github.com/mithrel/cncserver/internal/session"
)

// App aggregates what every command needs: settings, a logger and the
// envelope codec both processes agree on.
type App struct {
	Cfg        *viper.Viper
	Log        *slog.Logger
	Codec      transport.Codec
	SocketPath string
}

// BuildApp validates cfg and wires the shared dependencies.
func BuildApp(ctx context.Context, cfg *viper.Viper) (*App, error) {
	if err := config.CheckConfigValidity(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	codec, err := transport.CodecByName(cfg.GetString("ipc.codec"))
	if err != nil {
		return nil, err
	}
	return &App{
		Cfg:        cfg,
		Log:        NewLogger(cfg.GetString("log.level"), cfg.GetString("log.format"), os.Stderr),
		Codec:      codec,
		SocketPath: config.SocketPath(cfg),
	}, nil
}

// NewLogger builds the process logger. format "auto" picks text when w is a
// terminal and JSON otherwise.
func NewLogger(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Control is the control-process graph.
type Control struct {
	Session    *session.Session
	Callbacks  *callbacks.Registry
	Hub        *events.Hub
	Store      buffer.Store
	Buffer     *buffer.Buffer
	IPC        *transport.Server
	Controller *serial.Controller
	Dispatcher *dispatch.Dispatcher
	Notifier   notify.Notifier
	// Status is nil when http_addr is empty.
	Status *server.Server
	Log    *slog.Logger
}

// BuildControl opens the buffer store, connects the notifier and wires the
// dispatcher to the IPC server.
func (a *App) BuildControl(ctx context.Context) (*Control, error) {
	v := a.Cfg
	policy, err := session.ParseInitPolicy(v.GetString("ipc.init_policy"))
	if err != nil {
		return nil, err
	}
	store, err := buffer.Open(ctx, config.BufferDSN(v))
	if err != nil {
		return nil, fmt.Errorf("open buffer store: %w", err)
	}

	var notifier notify.Notifier = notify.NoOp{}
	if url := v.GetString("nats.url"); url != "" {
		n, err := notify.Connect(url, "cncserver", v.GetString("nats.subject_prefix"), a.Log.With("component", "notify"))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		notifier = n
	}

	c := &Control{
		Session:   session.New(policy),
		Callbacks: callbacks.NewRegistry(a.Log.With("component", "callbacks")),
		Hub:       events.NewHub(64),
		Store:     store,
		Notifier:  notifier,
		Log:       a.Log,
	}
	c.IPC = transport.NewServer(transport.UnixListener{Path: a.SocketPath}, a.Codec, c.Session, a.Log.With("component", "ipc"))
	c.Buffer = buffer.New(store, c.Session, c.IPC, a.Log.With("component", "buffer"))
	c.Controller = serial.New(serial.Config{
		Port:         v.GetString("controller.port"),
		BaudRate:     v.GetInt("controller.baud_rate"),
		InitCommands: v.GetStringSlice("controller.init_commands"),
	}, c.IPC, c.Callbacks, c.Hub, a.Log.With("component", "serial"))
	c.Dispatcher = dispatch.New(dispatch.Options{
		Session:   c.Session,
		Callbacks: c.Callbacks,
		Buffer:    c.Buffer,
		Trigger:   c.Controller,
		Notifier:  notifier,
		BaudRate:  v.GetInt("controller.baud_rate"),
		Ack:       v.GetString("controller.ack"),
		OnAttach: func(ctx context.Context) {
			if _, err := c.Buffer.Replay(ctx); err != nil {
				c.Log.Warn("buffer replay failed", "error", err)
			}
		},
		Log: a.Log.With("component", "dispatch"),
	})
	if v.GetBool("controller.autoconnect") {
		c.Session.OnReady(c.Controller.AutoConnect)
	}
	if addr := v.GetString("http_addr"); addr != "" {
		c.Status = server.New(addr, c.Session, c.Buffer, c.Hub, a.Log.With("component", "http"))
	}
	return c, nil
}

// Close releases the store and the notifier.
func (c *Control) Close() error {
	return errors.Join(c.Notifier.Close(), c.Store.Close())
}

// BuildRunner wires the runner process.
func (a *App) BuildRunner() *runner.Runner {
	log := a.Log.With("component", "runner")
	return runner.New(runner.Options{
		Connector: &transport.Connector{
			Path:  a.SocketPath,
			Retry: config.Duration(a.Cfg, "ipc.retry", transport.DefaultRetry),
			Codec: a.Codec,
			Log:   log,
		},
		AckTimeout: config.Duration(a.Cfg, "runner.ack_timeout", runner.DefaultAckTimeout),
		Log:        log,
	})
}
