package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mithrel/cncserver/internal/config"
	"github.com/mithrel/cncserver/internal/lock"
)

func newRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Run the serial runner that connects to the control process",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			l, err := lock.Acquire(config.LockPath(app.Cfg))
			if err != nil {
				return fmt.Errorf("runner already running? %w", err)
			}
			defer l.Release()
			app.Log.Info("runner starting", "socket", app.SocketPath, "codec", app.Codec.Name(), "lock", l.Path())
			return app.BuildRunner().Run(cmd.Context())
		},
	}
}
