package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/mithrel/cncserver/pkg/api"
)

// Inject dials path, writes envs in order and hangs up. The control process
// handles them as if the runner had sent them, without making the injecting
// connection the active runner.
func Inject(ctx context.Context, path string, codec Codec, envs ...api.Envelope) error {
	d := &net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}
	defer nc.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = nc.SetWriteDeadline(dl)
	}
	for _, env := range envs {
		b, err := codec.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode %s: %w", env.Command, err)
		}
		if err := writeFrame(nc, b); err != nil {
			return fmt.Errorf("write %s: %w", env.Command, err)
		}
	}
	return nil
}
