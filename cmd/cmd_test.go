package cmd

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/daemon"
	"go.olrik.dev/gpconnect/internal/db"
	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/supervisor"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5 * time.Minute, "5m"},
		{5*time.Minute + 3*time.Second, "5m3s"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{50 * time.Hour, "2d2h"},
		{48 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		report daemon.StatusReport
		want   []string
	}{
		{
			name: "connected",
			report: daemon.StatusReport{Status: supervisor.Status{
				State:       supervisor.StateConnected,
				Portal:      "vpn.example.com",
				Username:    "alice",
				PID:         4242,
				ConnectedAt: now.Add(-90 * time.Second),
			}},
			want: []string{"Connected to vpn.example.com as alice (PID: 4242, Age: 1m30s)"},
		},
		{
			name: "waiting for network",
			report: daemon.StatusReport{Status: supervisor.Status{
				State:             supervisor.StateConnecting,
				Portal:            "vpn.example.com",
				WaitingForNetwork: true,
				LastError:         "Waiting for network",
			}},
			want: []string{"Waiting for network to reconnect to vpn.example.com", "Last error: Waiting for network"},
		},
		{
			name: "retrying",
			report: daemon.StatusReport{Status: supervisor.Status{
				State:      supervisor.StateDisconnected,
				RetryCount: 2,
				MaxRetries: 5,
				LastError:  "Retrying (2/5)",
				Since:      now.Add(-3 * time.Second),
			}},
			want: []string{"Disconnected for 3s", "Retry: 2/5", "Last error: Retrying (2/5)"},
		},
		{
			name: "manual disconnect with stray client",
			report: daemon.StatusReport{
				Status:        supervisor.Status{State: supervisor.StateDisconnected, ManuallyDisconnected: true},
				ClientRunning: true,
			},
			want: []string{"Automatic reconnect is off", "still running"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatStatus(tt.report, now)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("expected %q in output:\n%s", want, got)
				}
			}
		})
	}
}

func TestApplySetting(t *testing.T) {
	password := "s3cret"
	cfg := settings.Config{Portal: "vpn.example.com", Username: "alice", Password: &password}

	if err := applySetting(&cfg, "notifications", "false"); err != nil {
		t.Fatal(err)
	}
	if cfg.Preferences().NotificationsEnabled {
		t.Error("expected notifications disabled")
	}
	if err := applySetting(&cfg, "auto-connect", "true"); err != nil {
		t.Fatal(err)
	}
	if !cfg.Preferences().AutoConnect {
		t.Error("expected auto-connect enabled")
	}

	// Same portal keeps the saved password
	if err := applySetting(&cfg, "portal", " vpn.example.com "); err != nil {
		t.Fatal(err)
	}
	if cfg.Password == nil {
		t.Error("expected password kept when portal is unchanged")
	}

	if err := applySetting(&cfg, "username", "bob"); err != nil {
		t.Fatal(err)
	}
	if cfg.Username != "bob" || cfg.Password != nil {
		t.Errorf("expected new username without password, got %+v", cfg)
	}
}

func TestApplySetting_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"notifications", "maybe"},
		{"password", "hunter2"},
		{"colour", "blue"},
	}
	for _, tt := range tests {
		cfg := settings.Config{}
		if err := applySetting(&cfg, tt.key, tt.value); !errors.Is(err, core.ErrInvalidInput) {
			t.Errorf("applySetting(%q, %q): expected ErrInvalidInput, got %v", tt.key, tt.value, err)
		}
	}
}

func TestFormatSettings_HidesPassword(t *testing.T) {
	password := "s3cret"
	out := formatSettings(settings.Config{Portal: "vpn.example.com", Username: "alice", Password: &password})

	if strings.Contains(out, password) {
		t.Fatal("password must not be printed")
	}
	for _, want := range []string{"vpn.example.com", "alice", "saved in settings file", "Notifications:  true", "Auto-connect:   false"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPrintHistory_OldestFirst(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	events := []db.ConnectionEvent{
		{Portal: "vpn.example.com", FromState: "connecting", ToState: "connected", Reason: "tunnel up", Timestamp: at.Add(time.Second)},
		{Portal: "vpn.example.com", FromState: "disconnected", ToState: "connecting", Reason: "user connect", Timestamp: at},
	}

	var buf bytes.Buffer
	printHistory(&buf, events)
	out := buf.String()

	first := strings.Index(out, "disconnected -> connecting")
	second := strings.Index(out, "connecting -> connected")
	if first < 0 || second < 0 || first > second {
		t.Errorf("expected chronological order, got:\n%s", out)
	}
	if !strings.HasPrefix(out, "TIME") {
		t.Errorf("expected header row, got:\n%s", out)
	}
}
