package api

import "sort"

// Command is a dot-namespaced command identifier ("<domain>.<event>").
type Command string

// Commands sent by the runner to the control process.
const (
	CmdRunnerReady        Command = "runner.ready"
	CmdSerialConnected    Command = "serial.connected"
	CmdSerialDisconnected Command = "serial.disconnected"
	CmdSerialError        Command = "serial.error"
	CmdSerialData         Command = "serial.data"
	CmdBufferItemDone     Command = "buffer.itemdone"
	CmdBufferEmpty        Command = "buffer.empty"
	CmdBufferRunning      Command = "buffer.running"
)

// Commands sent by the control process to the runner.
const (
	CmdSerialConnect    Command = "serial.connect"
	CmdSerialDisconnect Command = "serial.disconnect"
	CmdSerialWrite      Command = "serial.write"
	CmdBufferAdd        Command = "buffer.add"
)

// Kind is the closed set of commands known to this build. Envelopes are
// decoded into a Kind once, at the boundary, so handler tables can switch
// exhaustively instead of falling through on a string.
type Kind int

const (
	KindUnknown Kind = iota
	KindRunnerReady
	KindSerialConnected
	KindSerialDisconnected
	KindSerialError
	KindSerialData
	KindBufferItemDone
	KindBufferEmpty
	KindBufferRunning
	KindSerialConnect
	KindSerialDisconnect
	KindSerialWrite
	KindBufferAdd
)

var kindByCommand = map[Command]Kind{
	CmdRunnerReady:        KindRunnerReady,
	CmdSerialConnected:    KindSerialConnected,
	CmdSerialDisconnected: KindSerialDisconnected,
	CmdSerialError:        KindSerialError,
	CmdSerialData:         KindSerialData,
	CmdBufferItemDone:     KindBufferItemDone,
	CmdBufferEmpty:        KindBufferEmpty,
	CmdBufferRunning:      KindBufferRunning,
	CmdSerialConnect:      KindSerialConnect,
	CmdSerialDisconnect:   KindSerialDisconnect,
	CmdSerialWrite:        KindSerialWrite,
	CmdBufferAdd:          KindBufferAdd,
}

// ParseKind maps a raw command identifier to its Kind. Unrecognized
// identifiers yield KindUnknown.
func ParseKind(s string) Kind {
	if k, ok := kindByCommand[Command(s)]; ok {
		return k
	}
	return KindUnknown
}

// Command returns the identifier for k, or "" for KindUnknown.
func (k Kind) Command() Command {
	for c, kk := range kindByCommand {
		if kk == k {
			return c
		}
	}
	return ""
}

func (k Kind) String() string {
	if c := k.Command(); c != "" {
		return string(c)
	}
	return "unknown"
}

// RunnerBound reports whether k travels from the control process to the runner.
func (k Kind) RunnerBound() bool {
	switch k {
	case KindSerialConnect, KindSerialDisconnect, KindSerialWrite, KindBufferAdd:
		return true
	}
	return false
}

// KnownCommands lists every identifier this build understands.
func KnownCommands() []string {
	out := make([]string, 0, len(kindByCommand))
	for c := range kindByCommand {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}
