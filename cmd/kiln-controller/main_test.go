package main

import (
	"errors"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/sweeney/kiln-controller/internal/config"
	"github.com/sweeney/kiln-controller/internal/gpio"
	"github.com/sweeney/kiln-controller/internal/logic"
	"github.com/sweeney/kiln-controller/internal/mqtt"
	"github.com/sweeney/kiln-controller/internal/sensor"
	"github.com/sweeney/kiln-controller/internal/status"
	"github.com/sweeney/kiln-controller/internal/web"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil, got %+v", info)
	}
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "ethernet")
	t.Setenv(envNetworkIP, "")
	t.Setenv(envNetworkGateway, "")
	t.Setenv(envNetworkWifiStatus, "")
	t.Setenv(envNetworkWifiSSID, "")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	if info.Type != "ethernet" {
		t.Errorf("Type: got %q, want %q", info.Type, "ethernet")
	}
	if info.SSID != "" {
		t.Errorf("SSID: got %q, want empty", info.SSID)
	}
}

// --- runLoop tests ---

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only runLoop's goroutine calls it.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

type fixture struct {
	sensor  *sensor.FakeSensor
	relay   *gpio.FakeRelay
	pub     *mqtt.FakePublisher
	store   *config.MemoryStore
	tracker *status.Tracker
	d       *kilnDaemon
}

func newFixture(heartbeat time.Duration) *fixture {
	f := &fixture{
		sensor:  sensor.NewFakeSensor(20),
		relay:   gpio.NewFakeRelay(),
		pub:     mqtt.NewFakePublisher(),
		store:   config.NewMemoryStore(),
		tracker: status.NewTracker(t0, status.Config{Sensor: "fake"}),
	}
	f.d = newDaemon(f.sensor, f.relay, f.pub, f.pub, f.tracker, config.Default(), options{
		heartbeat: heartbeat,
		telemetry: true,
	})
	f.d.saver = config.NewSaver(f.store, config.DefaultMinInterval)
	return f
}

// loop drives runLoop over channels from the test goroutine.
type loop struct {
	t     *testing.T
	tick  chan time.Time
	cmds  chan web.Command
	sig   chan os.Signal
	errCh chan error
}

func startLoop(t *testing.T, d *kilnDaemon, clock func() time.Time) *loop {
	t.Helper()
	l := &loop{
		t:     t,
		tick:  make(chan time.Time),
		cmds:  make(chan web.Command),
		sig:   make(chan os.Signal),
		errCh: make(chan error, 1),
	}
	go func() {
		l.errCh <- d.runLoop(clock, l.tick, l.cmds, l.sig)
	}()
	return l
}

func (l *loop) ticks(n int) {
	for i := 0; i < n; i++ {
		l.tick <- time.Time{}
	}
}

func (l *loop) command(cmd web.Command) error {
	cmd.Reply = make(chan error, 1)
	l.cmds <- cmd
	return <-cmd.Reply
}

func (l *loop) stop(s os.Signal) {
	l.t.Helper()
	l.sig <- s
	if err := <-l.errCh; err != nil {
		l.t.Fatalf("runLoop returned error: %v", err)
	}
}

func systemEventNames(pub *mqtt.FakePublisher) []string {
	var out []string
	for _, se := range pub.SystemEvents {
		out = append(out, se.Event)
	}
	return out
}

func equalTypes(got, want []logic.EventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRunLoopStartupAndShutdown(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, 100*time.Millisecond))
	l.ticks(3)
	l.stop(syscall.SIGTERM)

	if got := systemEventNames(f.pub); strings.Join(got, ",") != "STARTUP,SHUTDOWN" {
		t.Fatalf("system events: got %v, want [STARTUP SHUTDOWN]", got)
	}
	for _, se := range f.pub.SystemEvents {
		if !se.Retained {
			t.Errorf("%s: expected Retained=true", se.Event)
		}
	}
	if f.pub.SystemEvents[1].Reason != "SIGTERM" {
		t.Errorf("reason: got %q, want SIGTERM", f.pub.SystemEvents[1].Reason)
	}
	if !strings.Contains(string(f.pub.SystemPayloads[1]), `"event":"SHUTDOWN"`) {
		t.Errorf("shutdown payload: got %s", f.pub.SystemPayloads[1])
	}
	if len(f.pub.Events) != 0 {
		t.Errorf("expected no firing events while idle, got %v", f.pub.EventTypes())
	}
}

func TestRunLoopShutdownSIGINT(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, 100*time.Millisecond))
	l.stop(syscall.SIGINT)

	last := f.pub.SystemEvents[len(f.pub.SystemEvents)-1]
	if last.Event != "SHUTDOWN" || last.Reason != "SIGINT" {
		t.Errorf("got %s/%s, want SHUTDOWN/SIGINT", last.Event, last.Reason)
	}
}

func TestRunLoopStartAndStop(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.ticks(3)
	if err := l.command(web.Command{Kind: web.CmdStart}); !errors.Is(err, logic.ErrAlreadyRunning) {
		t.Errorf("second start: got %v, want ErrAlreadyRunning", err)
	}
	if err := l.command(web.Command{Kind: web.CmdStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	l.ticks(1)
	l.stop(syscall.SIGTERM)

	want := []logic.EventType{logic.EventStart, logic.EventStop}
	if got := f.pub.EventTypes(); !equalTypes(got, want) {
		t.Errorf("events: got %v, want %v", got, want)
	}
	if f.relay.IsOn() {
		t.Error("relay should be off after stop")
	}
	snap := f.tracker.Snapshot()
	if snap.Run.State != logic.StateOff {
		t.Errorf("state: got %s, want OFF", snap.Run.State)
	}
}

func TestRunLoopStopWhileOffIsNoop(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStop}); err != nil {
		t.Fatalf("stop: %v", err)
	}
	l.ticks(2)
	l.stop(syscall.SIGTERM)

	if len(f.pub.Events) != 0 {
		t.Errorf("expected no events, got %v", f.pub.EventTypes())
	}
}

func TestRunLoopStartRejectedOnSensorFault(t *testing.T) {
	f := newFixture(0)
	f.sensor.Set(sensor.Reading{Fault: true, Err: sensor.ErrThermocouple})
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStart}); !errors.Is(err, logic.ErrSensorFault) {
		t.Errorf("start: got %v, want ErrSensorFault", err)
	}
	l.ticks(1)
	l.stop(syscall.SIGTERM)

	snap := f.tracker.Snapshot()
	if snap.Run.State != logic.StateOff {
		t.Errorf("state: got %s, want OFF", snap.Run.State)
	}
	if !snap.SensorFault || snap.SensorError != sensor.ErrThermocouple.Error() {
		t.Errorf("sensor: got fault=%v err=%q", snap.SensorFault, snap.SensorError)
	}
}

func TestRunLoopStartRejectedInSettings(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdEnterSettings}); err != nil {
		t.Fatalf("enter settings: %v", err)
	}
	if err := l.command(web.Command{Kind: web.CmdStart}); !errors.Is(err, logic.ErrSettingsOpen) {
		t.Errorf("start: got %v, want ErrSettingsOpen", err)
	}
	if err := l.command(web.Command{Kind: web.CmdExitSettings}); err != nil {
		t.Fatalf("exit settings: %v", err)
	}
	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Errorf("start after exit: %v", err)
	}
	l.stop(syscall.SIGTERM)
}

func TestRunLoopSensorTimeoutAborts(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	tun := config.DefaultTunables()
	tun.SensorTimeoutSeconds = 5
	if err := l.command(web.Command{Kind: web.CmdSetTunables, Tunables: tun}); err != nil {
		t.Fatalf("set tunables: %v", err)
	}
	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.sensor.Set(sensor.Reading{Fault: true, Err: sensor.ErrStale})
	l.ticks(7)
	l.stop(syscall.SIGTERM)

	want := []logic.EventType{logic.EventStart, logic.EventSensorFault, logic.EventAbort}
	if got := f.pub.EventTypes(); !equalTypes(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	if reason := f.pub.Events[2].Reason; reason != logic.ErrSensorTimeout.Error() {
		t.Errorf("abort reason: got %q", reason)
	}
	if f.relay.IsOn() {
		t.Error("relay should be off after abort")
	}
	snap := f.tracker.Snapshot()
	if snap.Run.Fault != logic.ErrSensorTimeout.Error() {
		t.Errorf("latched fault: got %q", snap.Run.Fault)
	}
	if snap.Power != 0 {
		t.Errorf("power: got %v, want 0", snap.Power)
	}
}

func TestRunLoopProgramEdits(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	bad := config.DefaultProgram()
	bad.Phases[0].RateDegPerHour = 0
	if err := l.command(web.Command{Kind: web.CmdSetProgram, Program: bad}); !errors.Is(err, config.ErrOutOfRange) {
		t.Errorf("out of range program: got %v, want ErrOutOfRange", err)
	}

	good := config.DefaultProgram()
	good.Phases[2].TargetDeg = 1000
	if err := l.command(web.Command{Kind: web.CmdSetProgram, Program: good}); err != nil {
		t.Fatalf("set program: %v", err)
	}

	hot := good
	hot.Phases[2].TargetDeg = 1400
	if err := l.command(web.Command{Kind: web.CmdSetProgram, Program: hot}); !errors.Is(err, config.ErrOutOfRange) {
		t.Errorf("program above max temp: got %v, want ErrOutOfRange", err)
	}
	low := config.DefaultTunables()
	low.MaxTempDeg = 900
	if err := l.command(web.Command{Kind: web.CmdSetTunables, Tunables: low}); !errors.Is(err, config.ErrOutOfRange) {
		t.Errorf("max temp below program: got %v, want ErrOutOfRange", err)
	}

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.command(web.Command{Kind: web.CmdSetProgram, Program: config.DefaultProgram()}); !errors.Is(err, logic.ErrRunning) {
		t.Errorf("program while firing: got %v, want ErrRunning", err)
	}
	l.stop(syscall.SIGTERM)

	snap := f.tracker.Snapshot()
	if snap.Program.Phases[2].TargetDeg != 1000 {
		t.Errorf("P3 target: got %v, want 1000", snap.Program.Phases[2].TargetDeg)
	}
}

func TestRunLoopSavesAreDebounced(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	tun := config.DefaultTunables()
	tun.Kp = 3
	if err := l.command(web.Command{Kind: web.CmdSetTunables, Tunables: tun}); err != nil {
		t.Fatalf("first edit: %v", err)
	}
	tun.Kp = 4
	if err := l.command(web.Command{Kind: web.CmdSetTunables, Tunables: tun}); err != nil {
		t.Fatalf("second edit: %v", err)
	}
	tun.Kp = 5
	if err := l.command(web.Command{Kind: web.CmdSetTunables, Tunables: tun}); err != nil {
		t.Fatalf("third edit: %v", err)
	}
	if got := f.store.Saves(); got != 1 {
		t.Errorf("saves after edits: got %d, want 1", got)
	}
	l.stop(syscall.SIGTERM)

	if got := f.store.Saves(); got != 2 {
		t.Errorf("saves after shutdown: got %d, want 2", got)
	}
	s, _ := f.store.Load()
	if s.Tunables.Kp != 5 {
		t.Errorf("stored Kp: got %v, want 5", s.Tunables.Kp)
	}
}

func TestRunLoopTelemetryPerRegulatorStep(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.ticks(5)
	l.stop(syscall.SIGTERM)

	if len(f.pub.Telemetry) != 5 {
		t.Fatalf("telemetry: got %d, want 5", len(f.pub.Telemetry))
	}
	if f.pub.Telemetry[0].Temp != 20 {
		t.Errorf("telemetry temp: got %v, want 20", f.pub.Telemetry[0].Temp)
	}
}

func TestRunLoopTelemetryDisabled(t *testing.T) {
	f := newFixture(0)
	f.d.telemetry = false
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.ticks(3)
	l.stop(syscall.SIGTERM)

	if len(f.pub.Telemetry) != 0 {
		t.Errorf("telemetry: got %d, want 0", len(f.pub.Telemetry))
	}
}

func TestRunLoopPublishError(t *testing.T) {
	f := newFixture(0)
	f.pub.PublishError = errors.New("broker unavailable")
	f.pub.TelemetryError = mqtt.ErrNotConnected
	l := startLoop(t, f.d, fakeClock(t0, time.Second))

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.ticks(3)
	l.stop(syscall.SIGTERM)

	if len(f.pub.Events) != 0 {
		t.Errorf("expected 0 recorded events (publish failed), got %d", len(f.pub.Events))
	}
	if got := systemEventNames(f.pub); got[len(got)-1] != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN despite publish errors, got %v", got)
	}
}

func TestRunLoopHeartbeat(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.42")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "associated")
	t.Setenv(envNetworkWifiSSID, "HomeNet")

	// 4 ticks at a 5-minute step reach 20 minutes; one heartbeat at 15.
	f := newFixture(15 * time.Minute)
	l := startLoop(t, f.d, fakeClock(t0, 5*time.Minute))
	l.ticks(4)
	l.stop(syscall.SIGTERM)

	if got := strings.Join(systemEventNames(f.pub), ","); got != "STARTUP,HEARTBEAT,SHUTDOWN" {
		t.Fatalf("system events: got %s", got)
	}
	payload := string(f.pub.SystemPayloads[1])
	for _, want := range []string{`"event":"HEARTBEAT"`, `"ssid":"HomeNet"`, `"ip":"192.168.1.42"`} {
		if !strings.Contains(payload, want) {
			t.Errorf("heartbeat payload missing %s: %s", want, payload)
		}
	}
}

func TestRunLoopHistoryWhileFiring(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, 10*time.Second))

	l.ticks(2)
	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Start at 30 s; ticks from 40 s to 100 s sample at 40, 70 and 100 s,
	// 10, 40 and 70 s into the run.
	l.ticks(7)
	l.stop(syscall.SIGTERM)

	snap := f.tracker.Snapshot()
	if len(snap.History) != 3 {
		t.Fatalf("history: got %d samples, want 3", len(snap.History))
	}
	if snap.History[0].ReadDeg() != 20 {
		t.Errorf("first sample read: got %v, want 20", snap.History[0].ReadDeg())
	}
	if snap.History[0].TimestampSeconds != 10 || snap.History[2].TimestampSeconds != 70 {
		t.Errorf("sample times: got %d and %d, want 10 and 70",
			snap.History[0].TimestampSeconds, snap.History[2].TimestampSeconds)
	}
	if !snap.TempValid || snap.Temp != 20 {
		t.Errorf("temp: got %v valid=%v", snap.Temp, snap.TempValid)
	}
}

func TestRunLoopShutdownForcesRelayOff(t *testing.T) {
	f := newFixture(0)
	l := startLoop(t, f.d, fakeClock(t0, 100*time.Millisecond))

	if err := l.command(web.Command{Kind: web.CmdStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	l.ticks(2)
	l.stop(syscall.SIGTERM)

	writes := f.relay.Writes()
	if len(writes) == 0 || writes[len(writes)-1] {
		t.Errorf("last relay write: got %v, want off", writes)
	}
}
