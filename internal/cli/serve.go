package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mithrel/cncserver/internal/buffer"
	"github.com/mithrel/cncserver/internal/daemon"
)

func newServeCmd() *cobra.Command {
	var queue string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control process",
		Long: `Run the control process. It listens on the IPC socket and waits for
the runner to connect. With --queue, the lines of FILE are stored in the
buffer first and handed to the runner once it reports ready.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := getApp(cmd)
			ctl, err := app.BuildControl(cmd.Context())
			if err != nil {
				return err
			}
			defer ctl.Close()
			if queue != "" {
				n, err := queueFile(cmd.Context(), ctl.Buffer, queue)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Queued %d lines from %s\n", n, queue)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting cncserver on %s...\n", app.SocketPath)
			return daemon.Run(cmd.Context(), ctl)
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "G-code file to store in the buffer before serving")
	return cmd
}

// queueFile stores every non-blank line of path that is not a ';' comment.
func queueFile(ctx context.Context, b *buffer.Buffer, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if _, _, err := b.Add(ctx, line); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("read %s: %w", path, err)
	}
	return n, nil
}
