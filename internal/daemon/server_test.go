package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/gpconnect/internal/core"
	"go.olrik.dev/gpconnect/internal/db"
	"go.olrik.dev/gpconnect/internal/keyring"
	"go.olrik.dev/gpconnect/internal/permission"
	"go.olrik.dev/gpconnect/internal/settings"
	"go.olrik.dev/gpconnect/internal/supervisor"
	"go.olrik.dev/gpconnect/internal/tunnel"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)}))
}

const sleeperScript = "read pw; exec sleep 30"

type fakePerms struct {
	denied bool
}

func (p fakePerms) CheckInstalled() bool { return true }

func (p fakePerms) Check(context.Context) permission.Status {
	if p.denied {
		return permission.Status{OK: false, Remediation: p.Remediation()}
	}
	return permission.Status{OK: true}
}

func (p fakePerms) Remediation() string { return "add a sudoers rule" }

type onlineChecker struct{}

func (onlineChecker) Check(context.Context) bool { return true }

type passwords map[string]string

func (p passwords) GetPassword(portal, username string) (string, error) {
	if pw, ok := p[keyring.Key(portal, username)]; ok {
		return pw, nil
	}
	return "", keyring.ErrNotFound
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

type testDaemon struct {
	*Daemon
	notifier *recordingNotifier
}

func testConfig(t *testing.T) *core.Configuration {
	t.Helper()
	cfg := core.GetDefaultConfig()
	cfg.ConfigPath = t.TempDir()
	cfg.AutoConnectDelay = 10 * time.Millisecond
	cfg.Supervisor.ConnectPollInterval = 20 * time.Millisecond
	cfg.Supervisor.ConnectPollAttempts = 50
	cfg.Supervisor.RetryDelay = 50 * time.Millisecond
	cfg.Supervisor.KillGrace = 500 * time.Millisecond
	cfg.Supervisor.TickInterval = 50 * time.Millisecond
	return cfg
}

func newTestDaemon(t *testing.T, cfg *core.Configuration, perms fakePerms, secrets passwords) *testDaemon {
	t.Helper()
	notifier := &recordingNotifier{}
	if secrets == nil {
		secrets = passwords{}
	}
	d := New(cfg,
		WithLogger(quietLogger()),
		WithPermissions(perms),
		WithPasswordStore(secrets),
		WithNotifier(notifier),
		WithChecker(onlineChecker{}),
		WithTunnelOptions(func(o *tunnel.Options) {
			o.Binary = "sh"
			o.Elevate = nil
			o.InterfacePrefix = ""
			o.BuildArgs = func(settings.Credentials) []string { return []string{"-c", sleeperScript} }
		}),
	)
	d.openDatabase()
	d.sup.Start()
	t.Cleanup(d.shutdown)
	return &testDaemon{Daemon: d, notifier: notifier}
}

// request runs one command through handleConnection over an in-memory pipe
func request(t *testing.T, d *Daemon, line string) Response {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		d.handleConnection(server)
		close(done)
	}()

	client.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := client.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to send %q: %v", line, err)
	}
	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("failed to read reply to %q: %v", line, err)
	}
	<-done

	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		t.Fatalf("failed to parse reply to %q: %v (%q)", line, err, data)
	}
	return response
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func firstMessage(r Response) string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].Message
}

const connectPayload = `CONNECT {"portal":"vpn.example.com","username":"alice","password":"s3cret"}`

func TestConnectStatusDisconnect(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, connectPayload)
	if resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}
	if got := firstMessage(resp); got != "Connected to vpn.example.com" {
		t.Errorf("unexpected message %q", got)
	}

	resp = request(t, d.Daemon, "STATUS")
	var report StatusReport
	if err := resp.DecodeData(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status.State != supervisor.StateConnected {
		t.Errorf("expected connected, got %s", report.Status.State)
	}
	if !report.ClientRunning {
		t.Error("expected tunnel client to be running")
	}
	if report.Status.PID <= 0 {
		t.Errorf("expected a PID, got %d", report.Status.PID)
	}

	resp = request(t, d.Daemon, "DISCONNECT")
	if resp.HasErrors() {
		t.Fatalf("disconnect failed: %+v", resp.Messages)
	}
	var status supervisor.Status
	resp.DecodeData(&status)
	if status.State != supervisor.StateDisconnected || !status.ManuallyDisconnected {
		t.Errorf("expected manual disconnect, got %+v", status)
	}
	if d.tunnel.IsRunning(context.Background()) {
		t.Error("expected tunnel client to be stopped")
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	if resp := request(t, d.Daemon, connectPayload); resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}
	resp := request(t, d.Daemon, connectPayload)
	if resp.HasErrors() {
		t.Fatalf("expected a warning, got %+v", resp.Messages)
	}
	if resp.Messages[0].Status != StatusWarn || !strings.Contains(resp.Messages[0].Message, "Already connected") {
		t.Errorf("unexpected reply %+v", resp.Messages)
	}
}

func TestConnect_MissingFields(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, `CONNECT {"portal":"vpn.example.com"}`)
	if !resp.HasErrors() {
		t.Fatal("expected an error")
	}
	var missing MissingFields
	if err := resp.DecodeData(&missing); err != nil {
		t.Fatal(err)
	}
	if strings.Join(missing.Fields, ",") != "username,password" {
		t.Errorf("expected username and password missing, got %v", missing.Fields)
	}
}

func TestConnect_InvalidPayload(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, `CONNECT {not json`)
	if !resp.HasErrors() || !strings.Contains(firstMessage(resp), "Invalid connect request") {
		t.Errorf("unexpected reply %+v", resp.Messages)
	}
}

func TestConnect_PasswordFromKeyring(t *testing.T) {
	secrets := passwords{keyring.Key("vpn.example.com", "alice"): "s3cret"}
	d := newTestDaemon(t, testConfig(t), fakePerms{}, secrets)

	resp := request(t, d.Daemon, `CONNECT {"portal":"vpn.example.com","username":"alice"}`)
	if resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}

	// The keyring password must not be copied into the settings file
	stored, err := d.store.Load()
	if err != nil || stored == nil {
		t.Fatalf("expected saved settings, got %v, %v", stored, err)
	}
	if stored.Password != nil {
		t.Error("expected no password in settings file")
	}
}

func TestConnect_UsesStoredCredentials(t *testing.T) {
	cfg := testConfig(t)
	d := newTestDaemon(t, cfg, fakePerms{}, nil)

	password := "s3cret"
	if err := d.store.Save(settings.Config{Portal: "vpn.example.com", Username: "alice", Password: &password}); err != nil {
		t.Fatal(err)
	}

	resp := request(t, d.Daemon, "CONNECT")
	if resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}

	stored, err := d.store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if stored.Password == nil || *stored.Password != password {
		t.Error("expected remembered password to be kept")
	}
}

func TestConnect_PermissionDenied(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{denied: true}, nil)

	resp := request(t, d.Daemon, connectPayload)
	if !resp.HasErrors() {
		t.Fatal("expected an error")
	}
	if !strings.Contains(firstMessage(resp), "passwordless elevation") {
		t.Errorf("unexpected message %q", firstMessage(resp))
	}
	var status permission.Status
	if err := resp.DecodeData(&status); err != nil {
		t.Fatal(err)
	}
	if status.Remediation != "add a sudoers rule" {
		t.Errorf("expected remediation in reply, got %q", status.Remediation)
	}
}

func TestCheckCommands(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{denied: true}, nil)

	resp := request(t, d.Daemon, "CHECK_INSTALLED")
	var installed map[string]bool
	resp.DecodeData(&installed)
	if !installed["installed"] {
		t.Errorf("expected installed, got %+v", resp)
	}

	resp = request(t, d.Daemon, "CHECK_PERMISSIONS")
	var status permission.Status
	resp.DecodeData(&status)
	if status.OK || status.Remediation == "" {
		t.Errorf("expected failing check with remediation, got %+v", status)
	}
	if resp.Messages[0].Status != StatusWarn {
		t.Errorf("expected a warning, got %+v", resp.Messages)
	}
}

func TestStatus_Idle(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "STATUS")
	if got := firstMessage(resp); got != "Disconnected" {
		t.Errorf("expected Disconnected, got %q", got)
	}
	var report StatusReport
	resp.DecodeData(&report)
	if report.ClientRunning {
		t.Error("expected no client running")
	}
	if report.Status.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", report.Status.MaxRetries)
	}
}

func TestReadAndClearLogs(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "READ_LOGS")
	var logs LogsReport
	resp.DecodeData(&logs)
	if logs.Content != "No logs found." {
		t.Errorf("expected placeholder for missing log, got %q", logs.Content)
	}

	d.sink.Append("hello from the tunnel")
	resp = request(t, d.Daemon, "READ_LOGS 4096")
	resp.DecodeData(&logs)
	if !strings.Contains(logs.Content, "hello from the tunnel") {
		t.Errorf("expected appended line, got %q", logs.Content)
	}

	if resp := request(t, d.Daemon, "CLEAR_LOGS"); resp.HasErrors() {
		t.Fatalf("clear failed: %+v", resp.Messages)
	}
	resp = request(t, d.Daemon, "READ_LOGS")
	logs = LogsReport{}
	resp.DecodeData(&logs)
	if logs.Content != "" {
		t.Errorf("expected empty log after clear, got %q", logs.Content)
	}
}

func TestReadLogs_InvalidLimit(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "READ_LOGS lots")
	if !resp.HasErrors() {
		t.Error("expected an error for a non-numeric limit")
	}
}

func TestFollowLogs(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)
	d.sink.Append("before follow")

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.handleConnection(server)
		close(done)
	}()
	client.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := client.Write([]byte("FOLLOW_LOGS\n")); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(client)
	header, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(header, "Following ") {
		t.Fatalf("unexpected header %q, %v", header, err)
	}
	history, err := reader.ReadString('\n')
	if err != nil || !strings.Contains(history, "before follow") {
		t.Fatalf("expected history line, got %q, %v", history, err)
	}

	d.sink.Append("live line")
	live, err := reader.ReadString('\n')
	if err != nil || !strings.Contains(live, "live line") {
		t.Fatalf("expected live line, got %q, %v", live, err)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected follower to stop when the client disconnects")
	}
}

func TestSaveAndLoadConfig(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "LOAD_CONFIG")
	if resp.Messages[0].Status != StatusWarn {
		t.Errorf("expected warning before first save, got %+v", resp.Messages)
	}

	resp = request(t, d.Daemon, `SAVE_CONFIG {"portal":"vpn.example.com","username":"alice","notifications_enabled":false,"auto_connect":true}`)
	if resp.HasErrors() {
		t.Fatalf("save failed: %+v", resp.Messages)
	}
	if d.preferences().NotificationsEnabled {
		t.Error("expected preferences to be reloaded after save")
	}

	resp = request(t, d.Daemon, "LOAD_CONFIG")
	var cfg settings.Config
	if err := resp.DecodeData(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Portal != "vpn.example.com" || cfg.Username != "alice" {
		t.Errorf("unexpected settings %+v", cfg)
	}
	if cfg.AutoConnect == nil || !*cfg.AutoConnect {
		t.Error("expected auto_connect to round-trip")
	}
}

func TestSaveConfig_Invalid(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, `SAVE_CONFIG {"username":"alice"}`)
	if !resp.HasErrors() {
		t.Error("expected validation error for username without portal")
	}
	if _, err := os.Stat(d.store.Path()); !os.IsNotExist(err) {
		t.Error("expected nothing written")
	}
}

func TestHistory_RecordsTransitions(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	request(t, d.Daemon, connectPayload)
	request(t, d.Daemon, "DISCONNECT")

	resp := request(t, d.Daemon, "HISTORY 10")
	var events []db.ConnectionEvent
	if err := resp.DecodeData(&events); err != nil {
		t.Fatal(err)
	}

	var states []string
	for i := len(events) - 1; i >= 0; i-- {
		states = append(states, events[i].ToState)
	}
	want := "connecting,connected,disconnecting,disconnected"
	if strings.Join(states, ",") != want {
		t.Errorf("expected %s, got %v", want, states)
	}
	if events[0].Portal != "vpn.example.com" || events[0].SessionID == "" {
		t.Errorf("expected portal and session on events, got %+v", events[0])
	}
}

func TestHistory_SessionFilter(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	request(t, d.Daemon, connectPayload)
	request(t, d.Daemon, "DISCONNECT")

	listing := request(t, d.Daemon, "HISTORY 10")
	var all []db.ConnectionEvent
	if err := listing.DecodeData(&all); err != nil || len(all) == 0 {
		t.Fatalf("expected history, got %v (%v)", all, err)
	}
	sessionID := all[len(all)-1].SessionID

	resp := request(t, d.Daemon, "HISTORY session "+sessionID)
	var events []db.ConnectionEvent
	if err := resp.DecodeData(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) < 2 {
		t.Fatalf("expected the attempt's transitions, got %+v", events)
	}
	for _, ev := range events {
		if ev.SessionID != sessionID {
			t.Errorf("unexpected session %q in filtered history", ev.SessionID)
		}
	}
	if last := events[len(events)-1]; last.ToState != "connecting" {
		t.Errorf("expected oldest event last, got %+v", last)
	}
}

func TestDaemonHistory(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "DAEMON_HISTORY 5")
	var events []db.DaemonEvent
	if err := resp.DecodeData(&events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 || events[0].EventType != "start" {
		t.Errorf("expected a start event, got %+v", events)
	}
}

func TestNotifications(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	request(t, d.Daemon, connectPayload)
	if !waitFor(t, 2*time.Second, func() bool {
		for _, title := range d.notifier.Titles() {
			if title == "VPN Connected" {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("expected connected notification, got %v", d.notifier.Titles())
	}
}

func TestNotifications_Disabled(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	disabled := false
	if err := d.store.Save(settings.Config{NotificationsEnabled: &disabled}); err != nil {
		t.Fatal(err)
	}
	d.reloadPreferences()

	request(t, d.Daemon, connectPayload)
	request(t, d.Daemon, "DISCONNECT")
	time.Sleep(100 * time.Millisecond)
	if titles := d.notifier.Titles(); len(titles) != 0 {
		t.Errorf("expected no notifications, got %v", titles)
	}
}

func TestAutoConnect(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	enabled := true
	password := "s3cret"
	err := d.store.Save(settings.Config{Portal: "vpn.example.com", Username: "alice", Password: &password, AutoConnect: &enabled})
	if err != nil {
		t.Fatal(err)
	}

	d.autoConnect(context.Background())
	if state := d.sup.Status().State; state != supervisor.StateConnected {
		t.Errorf("expected connected after auto-connect, got %s", state)
	}
}

func TestAutoConnect_SkippedWithoutPassword(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	enabled := true
	if err := d.store.Save(settings.Config{Portal: "vpn.example.com", Username: "alice", AutoConnect: &enabled}); err != nil {
		t.Fatal(err)
	}

	d.autoConnect(context.Background())
	if state := d.sup.Status().State; state != supervisor.StateDisconnected {
		t.Errorf("expected to stay disconnected, got %s", state)
	}
}

func TestAutoConnect_Disabled(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	password := "s3cret"
	if err := d.store.Save(settings.Config{Portal: "vpn.example.com", Username: "alice", Password: &password}); err != nil {
		t.Fatal(err)
	}

	d.autoConnect(context.Background())
	if state := d.sup.Status().State; state != supervisor.StateDisconnected {
		t.Errorf("expected to stay disconnected, got %s", state)
	}
}

func TestWatchSettings_ReloadsPreferences(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.watchSettings(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()
	time.Sleep(100 * time.Millisecond)

	disabled := false
	if err := d.store.Save(settings.Config{NotificationsEnabled: &disabled}); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 3*time.Second, func() bool { return !d.preferences().NotificationsEnabled }) {
		t.Error("expected preferences to reload after the settings file changed")
	}
}

func TestTickLoop_DetectsDroppedTunnel(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)
	d.cfg.Supervisor.TickInterval = 20 * time.Millisecond

	if resp := request(t, d.Daemon, connectPayload); resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.tickLoop(ctx)

	pid := d.sup.Status().PID
	proc, err := os.FindProcess(pid)
	if err != nil {
		t.Fatal(err)
	}
	proc.Kill()

	// The drop schedules a retry, which reconnects with a fresh client
	if !waitFor(t, 5*time.Second, func() bool {
		st := d.sup.Status()
		return st.State == supervisor.StateConnected && st.PID != pid
	}) {
		t.Errorf("expected reconnection after the client died, got %+v", d.sup.Status())
	}
}

func TestUnknownCommand(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "SSH_CONNECT home")
	if !resp.HasErrors() || !strings.Contains(firstMessage(resp), "Unknown command") {
		t.Errorf("unexpected reply %+v", resp.Messages)
	}
}

func TestVersion(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	resp := request(t, d.Daemon, "VERSION")
	var data map[string]any
	if err := resp.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data["version"] != core.Version {
		t.Errorf("expected version %q, got %v", core.Version, data["version"])
	}
}

func TestStop_TerminatesTunnel(t *testing.T) {
	d := newTestDaemon(t, testConfig(t), fakePerms{}, nil)

	if resp := request(t, d.Daemon, connectPayload); resp.HasErrors() {
		t.Fatalf("connect failed: %+v", resp.Messages)
	}

	resp := request(t, d.Daemon, "STOP")
	if got := firstMessage(resp); got != "Stopping daemon..." {
		t.Errorf("unexpected reply %q", got)
	}
	if !waitFor(t, 3*time.Second, func() bool { return d.ctx.Err() != nil }) {
		t.Fatal("expected daemon context to be cancelled")
	}
	if d.tunnel.IsRunning(context.Background()) {
		t.Error("expected tunnel client to be terminated on shutdown")
	}
	if state := d.sup.Status().State; state != supervisor.StateDisconnected {
		t.Errorf("expected disconnected after shutdown, got %s", state)
	}
}

func TestRun_ServesUntilStop(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg,
		WithLogger(quietLogger()),
		WithPermissions(fakePerms{}),
		WithPasswordStore(passwords{}),
		WithNotifier(&recordingNotifier{}),
		WithChecker(onlineChecker{}),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()

	socketPath := filepath.Join(cfg.ConfigPath, core.SocketName)
	if !waitFor(t, 3*time.Second, func() bool {
		_, err := sendCommand(socketPath, "VERSION")
		return err == nil
	}) {
		t.Fatal("daemon never answered on its socket")
	}
	if _, err := os.Stat(filepath.Join(cfg.ConfigPath, core.PidFileName)); err != nil {
		t.Errorf("expected PID file: %v", err)
	}

	resp, err := sendCommand(socketPath, "STOP")
	if err != nil {
		t.Fatalf("STOP failed: %v", err)
	}
	if firstMessage(resp) != "Stopping daemon..." {
		t.Errorf("unexpected reply %+v", resp.Messages)
	}

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after STOP")
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("expected socket to be removed")
	}
	if _, err := sendCommand(socketPath, "VERSION"); !errors.Is(err, ErrDaemonNotRunning) {
		t.Errorf("expected ErrDaemonNotRunning, got %v", err)
	}
}

func TestListen_ReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	stale, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	listener, err := listen(socketPath, quietLogger())
	if err != nil {
		t.Fatalf("expected stale socket to be replaced, got %v", err)
	}
	listener.Close()
}

func TestListen_AlreadyRunning(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "d.sock")
	live, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()

	if _, err := listen(socketPath, quietLogger()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("expected already running error, got %v", err)
	}
}

func TestMaskPayload(t *testing.T) {
	tests := []struct {
		command string
		payload string
		want    string
	}{
		{"CONNECT", `{"password":"s3cret"}`, "[MASKED]"},
		{"SAVE_CONFIG", `{"password":"s3cret"}`, "[MASKED]"},
		{"CONNECT", "", ""},
		{"READ_LOGS", "4096", "4096"},
	}
	for _, tt := range tests {
		if got := maskPayload(tt.command, tt.payload); got != tt.want {
			t.Errorf("maskPayload(%q, %q) = %q, want %q", tt.command, tt.payload, got, tt.want)
		}
	}
}
