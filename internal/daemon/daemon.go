// Package daemon runs the control process: the IPC server, the single
// dispatch goroutine, the serial controller's trigger loop and the optional
// status server, all bound to one context.
package daemon

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mithrel/cncserver/internal/wire"
)

// Run starts the control process using the provided, already-wired graph.
// The caller controls the lifecycle via ctx. The first component to fail
// stops the others.
func Run(ctx context.Context, ctl *wire.Control) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := ctl.IPC.Serve(ctx); err != nil {
			return fmt.Errorf("ipc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ctl.Dispatcher.Run(ctx, ctl.IPC.Inbound())
		return nil
	})
	g.Go(func() error {
		ctl.Controller.Run(ctx)
		return nil
	})
	if ctl.Status != nil {
		g.Go(func() error { return ctl.Status.Start(ctx) })
	}

	ctl.Log.Info("control process started")
	err := g.Wait()
	ctl.Log.Info("control process stopped")
	return err
}
