// Package web provides the HTTP status server and command API for the kiln
// controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sweeney/kiln-controller/internal/config"
	"github.com/sweeney/kiln-controller/internal/logic"
	"github.com/sweeney/kiln-controller/internal/status"
)

// CommandKind names an operator action.
type CommandKind string

const (
	CmdStart         CommandKind = "START"
	CmdStop          CommandKind = "STOP"
	CmdEnterSettings CommandKind = "ENTER_SETTINGS"
	CmdExitSettings  CommandKind = "EXIT_SETTINGS"
	CmdSetProgram    CommandKind = "SET_PROGRAM"
	CmdSetTunables   CommandKind = "SET_TUNABLES"
)

// Command is an operator action handed to the control loop. The loop
// answers on Reply, which is buffered.
type Command struct {
	Kind     CommandKind
	Program  logic.FiringProgram
	Tunables logic.ControlTunables
	Reply    chan error
}

// ErrBusy is returned when the control loop does not take or answer a
// command in time.
var ErrBusy = errors.New("controller busy")

const (
	commandTimeout = 5 * time.Second
	wsWriteTimeout = 5 * time.Second
	maxBodyBytes   = 64 << 10
)

// Server serves the status page and command API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   chan<- Command
	upgrader   websocket.Upgrader
	timeout    time.Duration
}

// New creates a Server that reads state from the given tracker and sends
// commands to the control loop. metrics may be nil.
func New(addr string, tracker *status.Tracker, commands chan<- Command, metrics http.Handler) *Server {
	s := &Server{
		tracker:  tracker,
		commands: commands,
		timeout:  commandTimeout,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.html", s.handleIndex).Methods("GET")
	r.HandleFunc("/index.json", s.handleJSON).Methods("GET")
	r.HandleFunc("/history.json", s.handleHistory).Methods("GET")
	r.HandleFunc("/ws", s.handleWS).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/start", s.simple(CmdStart)).Methods("POST")
	api.HandleFunc("/stop", s.simple(CmdStop)).Methods("POST")
	api.HandleFunc("/settings/enter", s.simple(CmdEnterSettings)).Methods("POST")
	api.HandleFunc("/settings/exit", s.simple(CmdExitSettings)).Methods("POST")
	api.HandleFunc("/program", s.handleProgram).Methods("PUT")
	api.HandleFunc("/tunables", s.handleTunables).Methods("PUT")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// checkOrigin accepts non-browser clients, localhost and same-host pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.Contains(origin, "localhost") {
		return true
	}
	return strings.Contains(origin, r.Host)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.Printf("web: render index: %v", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatHistoryJSON(snap))
}

// send hands cmd to the control loop and waits for its answer.
func (s *Server) send(ctx context.Context, cmd Command) error {
	cmd.Reply = make(chan error, 1)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.commands <- cmd:
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.Reply:
		return err
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// statusCode maps a command error to an HTTP status.
func statusCode(err error) int {
	switch {
	case errors.Is(err, config.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrAlreadyRunning),
		errors.Is(err, logic.ErrRunning),
		errors.Is(err, logic.ErrSettingsOpen),
		errors.Is(err, logic.ErrSensorFault):
		return http.StatusConflict
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) reply(w http.ResponseWriter, r *http.Request, cmd Command) {
	if err := s.send(r.Context(), cmd); err != nil {
		log.Printf("web: %s rejected: %v", cmd.Kind, err)
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) simple(kind CommandKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reply(w, r, Command{Kind: kind})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	var p logic.FiringProgram
	if !decodeBody(w, r, &p) {
		return
	}
	s.reply(w, r, Command{Kind: CmdSetProgram, Program: p})
}

func (s *Server) handleTunables(w http.ResponseWriter, r *http.Request) {
	var t logic.ControlTunables
	if !decodeBody(w, r, &t) {
		return
	}
	s.reply(w, r, Command{Kind: CmdSetTunables, Tunables: t})
}

// handleWS pushes the status JSON after every control loop update until
// the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("web: websocket upgrade: %v", err)
		return
	}
	defer ws.Close()

	updates, cancel := s.tracker.Subscribe()
	defer cancel()

	// Reads only detect the close; clients have nothing to say.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func() error {
		ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, status.FormatJSON(s.tracker.Snapshot()))
	}
	if err := write(); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-updates:
			if err := write(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("web: websocket write: %v", err)
				}
				return
			}
		}
	}
}
