package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigOption is one documented setting. GetConfigOptions is the single
// source of truth for defaults and the generated config file.
type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns the default configuration options and their meanings.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "data_dir", Default: defaultDataDir(), Comment: "Directory for local state (buffer database, runner lock)"},
		{Key: "http_addr", Default: "127.0.0.1:4242", Comment: "Status HTTP listen address; empty disables it"},

		{Key: "log.level", Default: "info", Comment: "Log level: debug, info, warn, error"},
		{Key: "log.format", Default: "auto", Comment: "Log format: auto (text on a terminal), text, json"},

		{Key: "ipc.socket", Default: "", Comment: "Unix socket path; empty uses $XDG_RUNTIME_DIR/cncserver.sock"},
		{Key: "ipc.retry", Default: "1500ms", Comment: "Runner reconnect interval"},
		{Key: "ipc.codec", Default: "proto", Comment: "Envelope codec: proto, cbor, json (both processes must agree)"},
		{Key: "ipc.init_policy", Default: "once", Comment: "Run the runner-ready init callback once per process or on every connect"},

		{Key: "controller.port", Default: "", Comment: "Serial port path, e.g. /dev/ttyUSB0"},
		{Key: "controller.baud_rate", Default: 115200, Comment: "Serial baud rate"},
		{Key: "controller.ack", Default: "OK", Comment: "Device acknowledgement line that is not logged as a message"},
		{Key: "controller.init_commands", Default: []string{}, Comment: "Lines written to the device after it first reports in"},
		{Key: "controller.autoconnect", Default: false, Comment: "Connect to controller.port as soon as the runner is ready"},

		{Key: "buffer.dsn", Default: "", Comment: "Buffer store: mem:// or sqlite://path; empty uses data_dir/buffer.db"},

		{Key: "nats.url", Default: "", Comment: "NATS server URL for event mirroring; empty disables it"},
		{Key: "nats.subject_prefix", Default: "cncserver.ipc", Comment: "Subject prefix for mirrored envelopes"},

		{Key: "runner.lock_path", Default: "", Comment: "Runner pid lock; empty uses data_dir/runner.lock"},
		{Key: "runner.ack_timeout", Default: "5s", Comment: "How long a buffered line waits for the device reply"},
	}
}

// applyDefaults seeds Viper with defaults defined in GetConfigOptions.
func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Default)
	}
}

// Load resolves configuration with precedence: defaults < file < env.
// The provided Viper instance is mutated with defaults, file contents, and env.
func Load(ctx context.Context, v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "cncserver"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cncserver"))
		}
		v.AddConfigPath(".")
	}

	applyDefaults(v)

	// A missing file is fine; a broken one is not.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// CNCSERVER_IPC_SOCKET and friends.
	v.SetEnvPrefix("cncserver")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(v.GetString("data_dir")) == "" {
		v.Set("data_dir", defaultDataDir())
	}
	v.Set("data_dir", expandHome(v.GetString("data_dir")))

	// Allow comma-separated env override for init commands.
	if s, ok := v.Get("controller.init_commands").(string); ok {
		v.Set("controller.init_commands", splitList(s))
	}
	return nil
}

// CheckConfigValidity reports every invalid setting at once.
func CheckConfigValidity(v *viper.Viper) error {
	var errs []error
	if strings.TrimSpace(v.GetString("data_dir")) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if addr := v.GetString("http_addr"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("http_addr %q is not host:port", addr))
		}
	}
	switch strings.ToLower(v.GetString("log.level")) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", v.GetString("log.level")))
	}
	switch strings.ToLower(v.GetString("log.format")) {
	case "", "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of auto, text, json", v.GetString("log.format")))
	}
	switch strings.ToLower(v.GetString("ipc.codec")) {
	case "", "proto", "protobuf", "cbor", "json":
	default:
		errs = append(errs, fmt.Errorf("ipc.codec %q is not one of proto, cbor, json", v.GetString("ipc.codec")))
	}
	switch strings.ToLower(v.GetString("ipc.init_policy")) {
	case "", "once", "every":
	default:
		errs = append(errs, fmt.Errorf("ipc.init_policy %q is not one of once, every", v.GetString("ipc.init_policy")))
	}
	for _, key := range []string{"ipc.retry", "runner.ack_timeout"} {
		if d, err := parseDuration(v.GetString(key)); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration", key))
		}
	}
	if v.GetInt("controller.baud_rate") <= 0 {
		errs = append(errs, errors.New("controller.baud_rate must be greater than 0"))
	}
	if v.GetBool("controller.autoconnect") && strings.TrimSpace(v.GetString("controller.port")) == "" {
		errs = append(errs, errors.New("controller.autoconnect requires controller.port"))
	}
	if dsn := v.GetString("buffer.dsn"); dsn != "" && !strings.HasPrefix(dsn, "mem://") && !strings.HasPrefix(dsn, "sqlite://") {
		errs = append(errs, fmt.Errorf("buffer.dsn %q must start with mem:// or sqlite://", dsn))
	}
	if u := v.GetString("nats.url"); u != "" && !strings.Contains(u, "://") {
		errs = append(errs, fmt.Errorf("nats.url %q has no scheme", u))
	}
	return errors.Join(errs...)
}

// Duration reads key as a duration, falling back to def when unset or invalid.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	d, err := parseDuration(v.GetString(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	return time.ParseDuration(s)
}

// SocketPath returns ipc.socket or the per-user default.
func SocketPath(v *viper.Viper) string {
	if p := strings.TrimSpace(v.GetString("ipc.socket")); p != "" {
		return expandHome(p)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "cncserver.sock")
	}
	return filepath.Join(v.GetString("data_dir"), "ipc.sock")
}

// BufferDSN returns buffer.dsn or a sqlite file under data_dir.
func BufferDSN(v *viper.Viper) string {
	if dsn := strings.TrimSpace(v.GetString("buffer.dsn")); dsn != "" {
		return dsn
	}
	return "sqlite://" + filepath.Join(v.GetString("data_dir"), "buffer.db")
}

// LockPath returns runner.lock_path or data_dir/runner.lock.
func LockPath(v *viper.Viper) string {
	if p := strings.TrimSpace(v.GetString("runner.lock_path")); p != "" {
		return expandHome(p)
	}
	return filepath.Join(v.GetString("data_dir"), "runner.lock")
}

// defaultDataDir resolves default data dir: $XDG_DATA_HOME/cncserver or ~/.local/share/cncserver
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "cncserver")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "cncserver")
}

// DefaultConfigPath resolves the standard config.toml location.
func DefaultConfigPath() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, _ := os.UserHomeDir()
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "cncserver", "config.toml")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

func splitList(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
