package runner

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Device is an open serial port.
type Device = io.ReadWriteCloser

// Opener opens a serial port at the given baud rate.
type Opener func(port string, baud int) (Device, error)

// OpenDevice opens port for exclusive read/write. Terminal devices are put
// in raw mode at baud; anything else (a FIFO, a pty under test) is used as
// is.
func OpenDevice(port string, baud int) (Device, error) {
	f, err := os.OpenFile(port, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return f, nil
	}
	if _, err := term.MakeRaw(fd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("raw mode %s: %w", port, err)
	}
	if err := setBaud(fd, baud); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("baud %s: %w", port, err)
	}
	return f, nil
}
