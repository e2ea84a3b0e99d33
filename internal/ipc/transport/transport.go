package transport

import (
	"context"
	"log/slog"
	"net"

	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/pkg/api"
)

// Listener abstracts how a server obtains a net.Listener (unix, tcp, etc.).
// This allows reusing the same Server implementation with different endpoints.
type Listener interface {
	Listen(ctx context.Context) (net.Listener, error)
}

// Codec encodes envelopes into frame payloads and back. Both processes must
// be configured with the same codec.
type Codec interface {
	Name() string
	Marshal(env api.Envelope) ([]byte, error)
	Unmarshal(b []byte) (api.Envelope, error)
}

// Inbound is one decoded envelope together with the connection it arrived
// on. From is a *Conn for envelopes read off the socket.
type Inbound struct {
	Env  api.Envelope
	From session.Handle
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
