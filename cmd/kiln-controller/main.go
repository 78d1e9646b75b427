// Command kiln-controller runs a kiln firing program: it reads the
// thermocouple, regulates the element through a relay and publishes firing
// events to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/sweeney/kiln-controller/internal/config"
	"github.com/sweeney/kiln-controller/internal/gpio"
	"github.com/sweeney/kiln-controller/internal/history"
	"github.com/sweeney/kiln-controller/internal/logic"
	"github.com/sweeney/kiln-controller/internal/metrics"
	"github.com/sweeney/kiln-controller/internal/mqtt"
	"github.com/sweeney/kiln-controller/internal/pwm"
	"github.com/sweeney/kiln-controller/internal/sensor"
	"github.com/sweeney/kiln-controller/internal/status"
	"github.com/sweeney/kiln-controller/internal/sysinfo"
	"github.com/sweeney/kiln-controller/internal/web"
)

// options holds the command line.
type options struct {
	poll         time.Duration
	broker       string
	clientID     string
	heartbeat    time.Duration
	httpAddr     string
	relayPin     int
	activeLow    bool
	sensor       string
	serialPort   string
	baud         int
	modbusAddr   string
	modbusSlave  int
	modbusReg    int
	store        string
	saveInterval time.Duration
	telemetry    bool
	printTemp    bool
}

func main() {
	var o options
	flag.DurationVar(&o.poll, "poll", 100*time.Millisecond, "Control loop interval")
	flag.StringVar(&o.broker, "broker", "tcp://192.168.1.200:1883", "MQTT broker address")
	flag.StringVar(&o.clientID, "client-id", "kiln-controller", "MQTT client ID")
	flag.DurationVar(&o.heartbeat, "heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	flag.StringVar(&o.httpAddr, "http", ":80", "HTTP status address (empty to disable)")
	flag.IntVar(&o.relayPin, "relay-pin", gpio.DefaultPin, "BCM pin number for the element relay")
	flag.BoolVar(&o.activeLow, "active-low", false, "Relay board switches on a low level")
	flag.StringVar(&o.sensor, "sensor", "serial", `Thermocouple source: "serial", "modbus" or "sim"`)
	flag.StringVar(&o.serialPort, "serial-port", "/dev/ttyUSB0", "Serial device of the thermocouple bridge")
	flag.IntVar(&o.baud, "baud", sensor.DefaultBaudRate, "Serial baud rate")
	flag.StringVar(&o.modbusAddr, "modbus-addr", "192.168.1.210:502", "Modbus TCP address of the input module")
	flag.IntVar(&o.modbusSlave, "modbus-slave", 1, "Modbus slave ID")
	flag.IntVar(&o.modbusReg, "modbus-register", 0, "Input register holding tenths of a degree")
	flag.StringVar(&o.store, "store", "/var/lib/kiln-controller/settings.yaml", `Settings file (".db" for bbolt, empty for memory only)`)
	flag.DurationVar(&o.saveInterval, "save-interval", config.DefaultMinInterval, "Minimum time between settings writes")
	flag.BoolVar(&o.telemetry, "telemetry", true, "Publish one telemetry message per regulator step")
	flag.BoolVar(&o.printTemp, "print-temp", false, "Print the current temperature and exit")

	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// openSensor builds the configured thermocouple adapter. The simulator is
// also returned as the relay so the model sees the element.
func openSensor(o options) (sensor.Reader, *sensor.Simulator, error) {
	maxAge := 5 * time.Second
	switch o.sensor {
	case "serial":
		s, err := sensor.OpenSerial(o.serialPort, o.baud, maxAge)
		return s, nil, err
	case "modbus":
		s, err := sensor.DialModbus(context.Background(), sensor.ModbusConfig{
			Address:  o.modbusAddr,
			SlaveID:  byte(o.modbusSlave),
			Register: uint16(o.modbusReg),
		})
		return s, nil, err
	case "sim":
		sim := sensor.NewSimulator(sensor.DefaultSimConfig(), time.Now)
		return sim, sim, nil
	default:
		return nil, nil, fmt.Errorf("unknown sensor %q", o.sensor)
	}
}

func run(o options) error {
	reader, sim, err := openSensor(o)
	if err != nil {
		return fmt.Errorf("init sensor: %w", err)
	}
	defer reader.Close()

	// Print temperature mode
	if o.printTemp {
		deadline := time.Now().Add(3 * time.Second)
		r := reader.Read()
		for r.Fault && errors.Is(r.Err, sensor.ErrNoReading) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
			r = reader.Read()
		}
		if r.Fault {
			return fmt.Errorf("read sensor: %w", r.Err)
		}
		fmt.Printf("Temperature: %.1f C\n", r.Celsius)
		return nil
	}

	store, err := config.OpenStore(o.store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	settings, err := store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var relay gpio.Relay = sim
	if sim == nil {
		r, err := gpio.NewRealRelay(o.relayPin, o.activeLow)
		if err != nil {
			return fmt.Errorf("init relay: %w", err)
		}
		relay = r
	}
	defer relay.Close()

	// Initialize MQTT
	publisher := mqtt.NewRealPublisher(o.broker, o.clientID)
	defer publisher.Close()

	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      o.poll.Milliseconds(),
		HeartbeatMs: o.heartbeat.Milliseconds(),
		Broker:      o.broker,
		HTTPPort:    o.httpAddr,
		Sensor:      o.sensor,
		Store:       o.store,
		RelayPin:    o.relayPin,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	m := metrics.New()
	commands := make(chan web.Command, 4)

	// Start HTTP status server
	if o.httpAddr != "" {
		srv := web.New(o.httpAddr, tracker, commands, m.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", o.httpAddr)
	}

	d := newDaemon(reader, relay, publisher, publisher, tracker, settings, o)
	d.metrics = m
	d.saver = config.NewSaver(store, o.saveInterval)
	d.host = sysinfo.NewSampler()
	d.notify = sdNotify

	log.Printf("started: poll=%v sensor=%s relay-pin=%d broker=%s heartbeat=%v store=%q",
		o.poll, o.sensor, o.relayPin, o.broker, o.heartbeat, o.store)

	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return d.runLoop(time.Now, ticker.C, commands, sigCh)
}

// sdNotify reports to systemd when running under a notify unit. Outside
// systemd it does nothing.
func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Printf("sd_notify %q: %v", state, err)
	}
}

// kilnDaemon owns everything the control loop touches. Only runLoop's
// goroutine uses it.
type kilnDaemon struct {
	reader     sensor.Reader
	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus
	tracker    *status.Tracker

	ctl     *logic.Controller
	driver  *pwm.Driver
	rec     *history.Recorder
	saver   *config.Saver // nil: edits are not persisted
	metrics *metrics.Metrics
	host    *sysinfo.Sampler
	notify  func(state string)

	heartbeat   time.Duration
	telemetry   bool
	historyStep time.Duration

	last          sensor.Reading
	lastHeartbeat time.Time
	watchdog      time.Duration
	lastWatchdog  time.Time
}

func newDaemon(reader sensor.Reader, relay gpio.Relay, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, settings config.Settings, o options) *kilnDaemon {
	return &kilnDaemon{
		reader:      reader,
		publisher:   publisher,
		mqttStatus:  mqttStatus,
		tracker:     tracker,
		ctl:         logic.NewController(settings.Program, settings.Tunables),
		driver:      pwm.New(relay, settings.Tunables.PWMPeriod()),
		rec:         history.New(history.DefaultCapacity, history.DefaultInterval),
		heartbeat:   o.heartbeat,
		telemetry:   o.telemetry,
		historyStep: history.DefaultInterval,
	}
}

func (d *kilnDaemon) runLoop(now func() time.Time, tick <-chan time.Time, commands <-chan web.Command, sig <-chan os.Signal) error {
	startTime := now()
	d.lastHeartbeat = startTime
	d.refreshHost()
	d.update(startTime)

	// Publish startup event with full status snapshot
	d.publishSystem(startTime, "STARTUP", "")

	if d.notify != nil {
		d.notify(daemon.SdNotifyReady)
		if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
			d.watchdog = interval / 2
			d.lastWatchdog = startTime
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			t := now()
			if d.notify != nil {
				d.notify(daemon.SdNotifyStopping)
			}
			if err := d.driver.ForceOff(); err != nil {
				log.Printf("relay off failed: %v", err)
			}
			if d.saver != nil {
				if err := d.saver.Close(t); err != nil {
					log.Printf("failed to save settings: %v", err)
				}
			}
			d.update(t)
			d.publishSystem(t, "SHUTDOWN", signalName)
			return nil

		case cmd := <-commands:
			t := now()
			err := d.apply(t, cmd)
			if err != nil {
				log.Printf("command %s rejected: %v", cmd.Kind, err)
			} else {
				log.Printf("command %s", cmd.Kind)
			}
			if cmd.Reply != nil {
				cmd.Reply <- err
			}
			d.update(t)

		case <-tick:
			d.step(now())
		}
	}
}

// step runs one control loop iteration.
func (d *kilnDaemon) step(t time.Time) {
	r := d.reader.Read()
	if r.Fault != d.last.Fault {
		if r.Fault {
			log.Printf("sensor read error: %v", r.Err)
		} else {
			log.Printf("sensor recovered: %.1f", r.Celsius)
		}
	}
	d.last = r

	out := d.ctl.Tick(logic.Input{Time: t, Temp: r.Celsius, Fault: r.Fault})
	d.driver.Tick(t, out.Power)

	if out.Enabled {
		if temp, ok := d.ctl.LastTemp(); ok {
			d.rec.Record(t, out.Target, temp)
		}
	}

	for _, event := range out.Events {
		log.Printf("event: %s (phase=%s target=%.1f temp=%.1f)", event.Type, event.Phase, event.Target, event.Temp)
		if d.metrics != nil {
			d.metrics.CountEvent(event.Type)
		}
		if err := d.publisher.Publish(event); err != nil {
			log.Printf("publish error: %v", err)
			// Don't crash on publish failure
		}
	}

	if out.Stepped && d.telemetry {
		temp, _ := d.ctl.LastTemp()
		err := d.publisher.PublishTelemetry(mqtt.Telemetry{
			Timestamp: t,
			Temp:      temp,
			Target:    out.Target,
			P:         out.Terms.P,
			I:         out.Terms.I,
			Power:     out.Power,
		})
		if err != nil && !errors.Is(err, mqtt.ErrNotConnected) && !errors.Is(err, mqtt.ErrQueueFull) {
			log.Printf("telemetry publish error: %v", err)
		}
	}

	if d.saver != nil {
		if wrote, err := d.saver.Flush(t); err != nil {
			log.Printf("failed to save settings: %v", err)
		} else if wrote {
			log.Printf("settings saved")
		}
	}

	// Check for heartbeat
	if d.heartbeat > 0 && t.Sub(d.lastHeartbeat) >= d.heartbeat {
		d.lastHeartbeat = t
		// Refresh network info for heartbeat
		if net := readNetworkInfo(); net != nil {
			d.tracker.SetNetwork(net)
		}
		d.refreshHost()
		d.update(t)
		run := d.ctl.State()
		log.Printf("heartbeat: state=%s phase=%s power=%.1f", run.State, run.Phase, d.ctl.Power())
		d.publishSystem(t, "HEARTBEAT", "")
	}

	d.update(t)

	if d.watchdog > 0 && t.Sub(d.lastWatchdog) >= d.watchdog {
		d.lastWatchdog = t
		d.notify(daemon.SdNotifyWatchdog)
	}
}

// apply executes an operator command on the loop goroutine.
func (d *kilnDaemon) apply(t time.Time, cmd web.Command) error {
	switch cmd.Kind {
	case web.CmdStart:
		r := d.reader.Read()
		d.last = r
		if err := d.ctl.Start(logic.Input{Time: t, Temp: r.Celsius, Fault: r.Fault}); err != nil {
			return err
		}
		d.rec.Reset(t)
		return nil

	case web.CmdStop:
		if d.ctl.Stop(t) {
			d.driver.Tick(t, 0)
		}
		return nil

	case web.CmdEnterSettings:
		return d.ctl.EnterSettings()

	case web.CmdExitSettings:
		return d.ctl.ExitSettings()

	case web.CmdSetProgram:
		if err := config.ValidateProgram(cmd.Program); err != nil {
			return fmt.Errorf("program: %w", err)
		}
		if err := config.ValidateCeiling(cmd.Program, d.ctl.Tunables()); err != nil {
			return fmt.Errorf("program above max temp: %w", err)
		}
		if err := d.ctl.SetProgram(cmd.Program); err != nil {
			return err
		}

	case web.CmdSetTunables:
		if err := config.ValidateTunables(cmd.Tunables); err != nil {
			return fmt.Errorf("tunables: %w", err)
		}
		if err := config.ValidateCeiling(d.ctl.Program(), cmd.Tunables); err != nil {
			return fmt.Errorf("max temp below program: %w", err)
		}
		d.ctl.SetTunables(cmd.Tunables)
		d.driver.SetPeriod(cmd.Tunables.PWMPeriod())

	default:
		return fmt.Errorf("unknown command %q", cmd.Kind)
	}

	d.requestSave(t)
	return nil
}

// requestSave hands the current settings to the saver. A failed write is
// logged and retried later; the edit itself has already taken effect.
func (d *kilnDaemon) requestSave(t time.Time) {
	if d.saver == nil {
		return
	}
	s := config.Settings{Program: d.ctl.Program(), Tunables: d.ctl.Tunables()}
	wrote, err := d.saver.Request(t, s)
	switch {
	case err != nil:
		log.Printf("failed to save settings: %v", err)
	case wrote:
		log.Printf("settings saved")
	default:
		log.Printf("settings save deferred")
	}
}

// update publishes the loop state into the tracker for HTTP, websocket and
// metrics consumers.
func (d *kilnDaemon) update(t time.Time) {
	run := d.ctl.State()
	temp, valid := d.ctl.LastTemp()
	c := status.Control{
		Run:         run,
		Temp:        temp,
		TempValid:   valid,
		SensorFault: d.last.Fault,
		Power:       d.ctl.Power(),
		RelayOn:     d.driver.On(),
		Terms:       d.ctl.Terms(),
		Program:     d.ctl.Program(),
		Tunables:    d.ctl.Tunables(),
		History:     d.rec.Samples(),
		HistoryStep: d.historyStep,
	}
	if d.last.Fault && d.last.Err != nil {
		c.SensorError = d.last.Err.Error()
	}
	if run.State == logic.StateOn {
		c.Remaining = logic.EstimateRemaining(c.Program, run, temp, t)
	}
	if d.saver != nil {
		c.SavePending = d.saver.Pending()
	}
	d.tracker.Update(c)
	if d.mqttStatus != nil {
		d.tracker.SetMQTTConnected(d.mqttStatus.IsConnected())
	}
	if d.metrics != nil {
		d.metrics.Observe(d.tracker.Snapshot())
	}
}

func (d *kilnDaemon) refreshHost() {
	if d.host != nil {
		d.tracker.SetHost(d.host.Read())
	}
}

func (d *kilnDaemon) publishSystem(t time.Time, event, reason string) {
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  t,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		log.Printf("failed to publish %s event: %v", event, err)
		return
	}
	if event != "HEARTBEAT" {
		log.Printf("published %s event", event)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
