package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mithrel/cncserver/internal/ipc/transport"
	"github.com/mithrel/cncserver/pkg/api"
)

func newIPCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ipc",
		Short: "Debug the control-process socket",
	}
	cmd.AddCommand(newIPCSendCmd())
	return cmd
}

func newIPCSendCmd() *cobra.Command {
	var typ, message string
	cmd := &cobra.Command{
		Use:   "send <command> [data]",
		Short: "Inject an envelope as if the runner had sent it",
		Long: `Inject an envelope into the control process as if the runner had sent
it. data is parsed as JSON when possible and sent as a string otherwise.`,
		Example: `  cncserver ipc send buffer.running true
  cncserver ipc send serial.error /dev/ttyUSB0 --type connect --message busy`,
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: api.KnownCommands(),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			env := api.Envelope{Command: api.Command(args[0]), Type: typ, Message: message}
			if len(args) == 2 {
				env.Data = parseData(args[1])
			}
			if env.Kind() == api.KindUnknown {
				app.Log.Warn("sending unknown command", "command", env.Command)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := transport.Inject(ctx, app.SocketPath, app.Codec, env); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", env.Command)
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "envelope type discriminator")
	cmd.Flags().StringVar(&message, "message", "", "envelope message detail")
	return cmd
}

func parseData(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
