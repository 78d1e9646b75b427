package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sweeney/kiln-controller/internal/status"
)

// duration formats d like "1h 5m 3s", dropping leading zero units.
func duration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"duration": duration,
	"ago": func(t, now time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return humanize.RelTime(t, now, "ago", "from now")
	},
	"bytes": humanize.Bytes,
	"deg": func(v float64) string {
		return fmt.Sprintf("%.1f", v)
	},
	"inc": func(i int) int { return i + 1 },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Kiln Controller</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.on { color: #c40; font-weight: bold; }
.off { color: #888; }
.fault { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; background: orange; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
button { font-family: monospace; margin-right: 1em; }
</style>
</head>
<body>
<h1>Kiln Controller<span id="live-dot" class="live-dot" title="connecting"></span></h1>

{{if .Run.Fault}}<p class="fault" id="fault">Aborted: {{.Run.Fault}}</p>{{end}}

<h2>Firing</h2>
<table>
<tr><th>State</th><td id="state" class="{{if eq (printf "%s" .Run.State) "ON"}}on{{else}}off{{end}}">{{.State}}</td></tr>
<tr><th>Phase</th><td id="phase">{{.Phase}}</td></tr>
<tr><th>Temperature</th><td id="temp">{{if .TempValid}}{{deg .Temp}} &deg;C{{else}}-{{end}}{{if .SensorFault}} <span class="fault">sensor fault</span>{{end}}</td></tr>
<tr><th>Target</th><td id="target">{{deg .Run.TargetTemp}} &deg;C</td></tr>
<tr><th>Power</th><td id="power">{{deg .Power}} %</td></tr>
<tr><th>Element</th><td id="relay" class="{{if .RelayOn}}on{{else}}off{{end}}">{{if .RelayOn}}ON{{else}}OFF{{end}}</td></tr>
{{if eq (printf "%s" .Run.State) "ON"}}<tr><th>Started</th><td>{{ago .Run.RunStartTime .Now}}</td></tr>
<tr><th>Phase started</th><td>{{ago .Run.PhaseStartTime .Now}}</td></tr>
<tr><th>Hold</th><td>{{if .Run.PlateauReached}}since {{ago .Run.PlateauStartTime .Now}}{{else}}ramping{{end}}</td></tr>
<tr><th>Remaining</th><td id="remaining">{{duration .Remaining}}</td></tr>{{end}}
</table>
<p>
<button onclick="command('POST', '/api/start')">Start</button>
<button onclick="command('POST', '/api/stop')">Stop</button>
<span id="result"></span>
</p>

<h2>Program</h2>
<table>
<tr><th>Phase</th><td>Rate &deg;C/h</td><td>Target &deg;C</td><td>Hold min</td></tr>
{{range $i, $s := .Program.Phases}}<tr><th>P{{inc $i}}</th><td>{{$s.RateDegPerHour}}</td><td>{{$s.TargetDeg}}</td><td>{{$s.HoldMinutes}}</td></tr>
{{end}}<tr><th>Cooldown</th><td>{{.Program.Cooldown.RateDegPerHour}}</td><td>{{.Program.Cooldown.TargetDeg}}</td><td></td></tr>
</table>

<h2>Regulator</h2>
<table>
<tr><th>Kp / Ki</th><td>{{.Tunables.Kp}} / {{.Tunables.Ki}}</td></tr>
<tr><th>P / I</th><td>{{deg .Terms.P}} / {{deg .Terms.I}}</td></tr>
<tr><th>PWM period</th><td>{{.Tunables.PWMPeriodMillis}}ms</td></tr>
<tr><th>Max rate</th><td>{{.Tunables.MaxRatePercent}} %/step</td></tr>
<tr><th>Sensor timeout</th><td>{{.Tunables.SensorTimeoutSeconds}}s</td></tr>
<tr><th>Max temperature</th><td>{{.Tunables.MaxTempDeg}} &deg;C</td></tr>
{{if .SavePending}}<tr><th>Settings</th><td>save pending</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{duration .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Sensor</th><td>{{.Config.Sensor}}</td></tr>
<tr><th>Relay pin</th><td>{{.Config.RelayPin}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
{{if .Host}}<tr><th>Host</th><td>{{.Host.Hostname}}, up {{duration .Host.Uptime}}</td></tr>
<tr><th>Load</th><td>{{printf "%.2f %.2f %.2f" .Host.Load1 .Host.Load5 .Host.Load15}}</td></tr>
<tr><th>Memory</th><td>{{printf "%.1f" .Host.MemUsedPercent}} % used, process {{bytes .Host.ProcRSS}}</td></tr>{{end}}
</table>

<p><a href="/index.json">JSON</a> <a href="/history.json">History</a> <a href="/metrics">Metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function set(id, text, cls) {
    var el = document.getElementById(id);
    if (!el) return;
    el.textContent = text;
    if (cls !== undefined) el.className = cls;
  }
  window.command = function(method, path) {
    fetch(path, { method: method }).then(function(r) {
      return r.ok ? "ok" : r.text();
    }).then(function(t) { set("result", t); });
  };
  function connect() {
    var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
    ws.onopen = function() { dot.className = "live-dot ok"; dot.title = "live"; };
    ws.onclose = function() {
      dot.className = "live-dot err"; dot.title = "offline";
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(m) {
      try {
        var s = JSON.parse(m.data).status;
        set("state", s.state, s.state === "ON" ? "on" : "off");
        set("phase", s.phase);
        set("temp", s.temperature === null ? "-" : s.temperature.toFixed(1) + " °C");
        set("target", s.target.toFixed(1) + " °C");
        set("power", s.power.toFixed(1) + " %");
        set("relay", s.relay ? "ON" : "OFF", s.relay ? "on" : "off");
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

type pageData struct {
	status.Snapshot
	Uptime time.Duration
	State  string
	Phase  string
}

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := pageData{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		State:    string(snap.Run.State),
		Phase:    string(snap.Run.Phase),
	}
	if data.State == "" {
		data.State = "OFF"
	}
	if data.Phase == "" {
		data.Phase = "NONE"
	}
	return indexTmpl.Execute(w, data)
}
