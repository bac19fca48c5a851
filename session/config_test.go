package session

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/john-rice/tdesktop/logger"
)

func TestNewConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := NewConfig()
	require.NoError(err)

	require.Equal(DefaultReceivedIDsCapacity, cfg.ReceivedIDsCapacity())
	require.Equal(50*time.Millisecond, cfg.SendCoalesceDelay())
	require.Equal(10*time.Second, cfg.AckSendDelay())
	require.Equal(time.Second, cfg.CheckInterval())
	require.Equal(10*time.Second, cfg.RequestTimeout())
	require.Equal(30*time.Second, cfg.PingInterval())
	require.Equal(3, cfg.MaxResendAttempts())
	require.NotNil(cfg.Logger())
}

func TestNewConfigOptions(t *testing.T) {
	require := require.New(t)

	var lock sync.RWMutex
	l := logger.GetLogger()

	cfg, err := NewConfig(
		WithReceivedIDsCapacity(100),
		WithSendCoalesceDelay(10*time.Millisecond),
		WithAckSendDelay(5*time.Second),
		WithCheckInterval(500*time.Millisecond),
		WithRequestTimeout(8*time.Second),
		WithPingInterval(time.Minute),
		WithMaxResendAttempts(5),
		WithKeyLock(&lock),
		WithLogger(l),
	)
	require.NoError(err)

	require.Equal(100, cfg.ReceivedIDsCapacity())
	require.Equal(10*time.Millisecond, cfg.SendCoalesceDelay())
	require.Equal(5*time.Second, cfg.AckSendDelay())
	require.Equal(500*time.Millisecond, cfg.CheckInterval())
	require.Equal(8*time.Second, cfg.RequestTimeout())
	require.Equal(time.Minute, cfg.PingInterval())
	require.Equal(5, cfg.MaxResendAttempts())
	require.Equal(&lock, cfg.keyLock)
	require.Equal(l, cfg.Logger())
}

func TestNewConfigInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"zero capacity", WithReceivedIDsCapacity(0)},
		{"negative coalesce delay", WithSendCoalesceDelay(-time.Second)},
		{"zero ack delay", WithAckSendDelay(0)},
		{"zero check interval", WithCheckInterval(0)},
		{"zero request timeout", WithRequestTimeout(0)},
		{"zero ping interval", WithPingInterval(0)},
		{"zero resend attempts", WithMaxResendAttempts(0)},
		{"nil logger", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			require.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "session.toml")
	content := `
received_ids_capacity = 250
send_coalesce_delay = "20ms"
ack_send_delay = "2s"
check_interval = "750ms"
request_timeout = "6s"
ping_interval = "45s"
max_resend_attempts = 4
`
	require.NoError(os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(err)

	require.Equal(250, cfg.ReceivedIDsCapacity())
	require.Equal(20*time.Millisecond, cfg.SendCoalesceDelay())
	require.Equal(2*time.Second, cfg.AckSendDelay())
	require.Equal(750*time.Millisecond, cfg.CheckInterval())
	require.Equal(6*time.Second, cfg.RequestTimeout())
	require.Equal(45*time.Second, cfg.PingInterval())
	require.Equal(4, cfg.MaxResendAttempts())
}

func TestLoadConfigPartial(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "session.toml")
	require.NoError(os.WriteFile(path, []byte("ping_interval = \"10s\"\n"), 0o600))

	cfg, err := LoadConfig(path, WithMaxResendAttempts(7))
	require.NoError(err)

	require.Equal(10*time.Second, cfg.PingInterval())
	require.Equal(DefaultReceivedIDsCapacity, cfg.ReceivedIDsCapacity())
	require.Equal(7, cfg.MaxResendAttempts())
}

func TestLoadConfigErrors(t *testing.T) {
	require := require.New(t)

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
		require.Error(err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.toml")
		require.NoError(os.WriteFile(path, []byte("request_timeout = \"soon\"\n"), 0o600))

		_, err := LoadConfig(path)
		require.Error(err)
	})
}
