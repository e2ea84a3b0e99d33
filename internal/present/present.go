// Package present renders control-process state for the terminal.
package present

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mithrel/cncserver/internal/buffer"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/server"
)

type Mode int

const (
	ModePlain Mode = iota
	ModeJSON
	ModeNDJSON
)

type Options struct {
	Mode       Mode
	JSONIndent bool
	Headers    bool
}

// ParseMode parses "plain", "json" or "ndjson".
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return ModePlain, true
	case "json":
		return ModeJSON, true
	case "ndjson":
		return ModeNDJSON, true
	default:
		return ModePlain, false
	}
}

// RenderItems renders pending buffer items, oldest first.
func RenderItems(w io.Writer, items []buffer.Item, opts Options) error {
	switch opts.Mode {
	case ModeJSON:
		return writeJSON(w, items, opts.JSONIndent)
	case ModeNDJSON:
		return writeNDJSON(w, items)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if opts.Headers {
		_, _ = io.WriteString(tw, "id\tadded\tline\n")
	}
	for _, it := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", esc(it.ID), stamp(it.AddedAt), esc(it.Line))
	}
	return tw.Flush()
}

// RenderEvents renders local trigger events.
func RenderEvents(w io.Writer, evs []events.Event, opts Options) error {
	switch opts.Mode {
	case ModeJSON:
		return writeJSON(w, evs, opts.JSONIndent)
	case ModeNDJSON:
		return writeNDJSON(w, evs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if opts.Headers {
		_, _ = io.WriteString(tw, "id\tat\tname\n")
	}
	for _, ev := range evs {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", ev.ID, stamp(ev.At), esc(ev.Name))
	}
	return tw.Flush()
}

// RenderStatus renders the status report. Plain output is a key/value table.
func RenderStatus(w io.Writer, st server.Status, opts Options) error {
	switch opts.Mode {
	case ModeJSON:
		return writeJSON(w, st, opts.JSONIndent)
	case ModeNDJSON:
		return writeJSON(w, st, false)
	}
	runner := "disconnected"
	if st.Connected {
		runner = fmt.Sprintf("connected (conn %d)", st.HandleID)
	}
	mode := "serial"
	if st.Simulation {
		mode = "simulation"
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range [][2]string{
		{"runner", runner},
		{"mode", mode},
		{"buffer running", fmt.Sprintf("%t", st.Running)},
		{"pending items", fmt.Sprintf("%d", st.Pending)},
		{"runner handshakes", fmt.Sprintf("%d", st.Readies)},
		{"init policy", st.InitPolicy},
		{"uptime", st.Uptime},
	} {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", r[0], r[1])
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func writeNDJSON[T any](w io.Writer, rows []T) error {
	enc := json.NewEncoder(w)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func esc(field string) string {
	field = strings.ReplaceAll(field, "\t", "\\t")
	field = strings.ReplaceAll(field, "\n", "\\n")
	return field
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
