package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mithrel/cncserver/internal/buffer"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/present"
	"github.com/mithrel/cncserver/internal/server"
)

// viewFlags are shared by the commands that read the status server.
type viewFlags struct {
	addr    string
	format  string
	headers bool
}

func (f *viewFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", "", "status server address (default http_addr)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "plain", "output format: plain, json, ndjson")
	cmd.Flags().BoolVar(&f.headers, "headers", true, "print column headers in plain output")
}

func (f *viewFlags) options() (present.Options, error) {
	mode, ok := present.ParseMode(f.format)
	if !ok {
		return present.Options{}, fmt.Errorf("unknown format %q (want plain, json or ndjson)", f.format)
	}
	return present.Options{Mode: mode, JSONIndent: true, Headers: f.headers}, nil
}

// fetch GETs path from the status server and decodes the JSON body into v.
func (f *viewFlags) fetch(cmd *cobra.Command, path string, v any) error {
	addr := f.addr
	if addr == "" {
		addr = getApp(cmd).Cfg.GetString("http_addr")
	}
	if addr == "" {
		return fmt.Errorf("status server disabled: http_addr is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("is cncserver serve running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func newStatusCmd() *cobra.Command {
	var f viewFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the control process status",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			var st server.Status
			if err := f.fetch(cmd, "/v1/status", &st); err != nil {
				return err
			}
			return present.RenderStatus(cmd.OutOrStdout(), st, opts)
		},
	}
	f.register(cmd)
	return cmd
}

func newBufferCmd() *cobra.Command {
	var f viewFlags
	cmd := &cobra.Command{
		Use:   "buffer",
		Short: "List buffer items the runner has not finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			var items []buffer.Item
			if err := f.fetch(cmd, "/v1/buffer", &items); err != nil {
				return err
			}
			return present.RenderItems(cmd.OutOrStdout(), items, opts)
		},
	}
	f.register(cmd)
	return cmd
}

func newEventsCmd() *cobra.Command {
	var f viewFlags
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent local trigger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			var evs []events.Event
			if err := f.fetch(cmd, "/v1/events", &evs); err != nil {
				return err
			}
			return present.RenderEvents(cmd.OutOrStdout(), evs, opts)
		},
	}
	f.register(cmd)
	return cmd
}
