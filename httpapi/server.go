// SPDX-License-Identifier: GPL-2.0-only

// Package httpapi serves the daemon's control surface: a single
// GET/POST JSON endpoint over a Unix domain stream socket, HTTP/1.0
// with Connection: close. Grounded on usb_monitor_accept_cb's
// client-slot bookkeeping for the connection-count ceiling and on
// spec section 4.8 for wire semantics; the byte-level HTTP parser
// itself is out of scope and is replaced here by net/http's server,
// an out-of-scope collaborator per the daemon's own scoping.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/registry"
)

// MaxClients bounds concurrent active connections, matching
// MAX_HTTP_CLIENTS's 5-bit free-slot bitmap.
const MaxClients = 5

// ListenBacklog mirrors the original listen() backlog of 10 pending
// connections.
const ListenBacklog = 10

type portView struct {
	Mode int    `json:"mode"`
	VID  uint16 `json:"vid"`
	PID  uint16 `json:"pid"`
	Path string `json:"path"`
}

type listBody struct {
	Ports []portView `json:"ports"`
}

type postEntry struct {
	Path string `json:"path"`
	Cmd  int    `json:"cmd"`
}

type postBody struct {
	Ports []postEntry `json:"ports"`
}

// Server serves the GET/POST control endpoint over a Unix socket.
type Server struct {
	logger log.Logger
	reg    *registry.Registry
	mach   machine

	socketPath string
	group      int

	listener net.Listener
	http     *http.Server
	sem      chan struct{}
}

// machine is the subset of state.Machine the HTTP surface calls into;
// declared locally to avoid an import cycle back to package state.
type machine interface {
	Restart(p *registry.Port) int
}

// New creates an HTTP control server. Listen must be called to bind
// the socket before Serve is called.
func New(logger log.Logger, reg *registry.Registry, mach machine, socketPath string, group int) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{logger: logger, reg: reg, mach: mach, socketPath: socketPath, group: group, sem: make(chan struct{}, MaxClients)}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.http = &http.Server{Handler: mux}
	s.http.SetKeepAlivesEnabled(false)
	return s
}

// Listen binds the Unix domain socket at socketPath with mode 0660 and
// the configured group, removing any stale socket file first.
func (s *Server) Listen() error {
	_ = os.Remove(s.socketPath)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "unix", s.socketPath)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on control socket %s", s.socketPath)
	}
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "failed to chmod control socket")
	}
	if s.group >= 0 {
		if err := os.Chown(s.socketPath, -1, s.group); err != nil {
			_ = ln.Close()
			return errors.Wrap(err, "failed to chown control socket")
		}
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until ctx is canceled. Each connection is
// handled with HTTP/1.0 Connection: close semantics and is rejected
// outright once MaxClients are already active.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.http.Close()
	}()
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close releases the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.http.Close()
	_ = os.Remove(s.socketPath)
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, s.currentPorts())
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var body postBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, entry := range body.Ports {
		path, err := registry.ParsePath(entry.Path)
		if err != nil {
			continue
		}
		p := s.reg.FindByPath(path)
		if p == nil {
			continue
		}

		var status int
		switch entry.Cmd {
		case int(registry.CmdRestart):
			if p.Mode == registry.ModeReset {
				// A restart already in flight: skip this entry silently.
				continue
			}
			status = s.mach.Restart(p)
		case int(registry.CmdEnable):
			status = p.Backend.Update(p, registry.CmdEnable)
		case int(registry.CmdDisable):
			status = p.Backend.Update(p, registry.CmdDisable)
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if status == registry.StatusBusy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if status != registry.StatusOK {
			_ = level.Warn(s.logger).Log("msg", "backend update failed", "path", entry.Path, "status", status)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, http.StatusOK, s.currentPorts())
}

func (s *Server) currentPorts() listBody {
	var out listBody
	for _, p := range s.reg.AllPorts() {
		if !p.HasDevice {
			continue
		}
		for _, path := range p.Paths {
			out.Ports = append(out.Ports, portView{
				Mode: int(p.Mode),
				VID:  p.Device.VID,
				PID:  p.Device.PID,
				Path: registry.FormatPath(path),
			})
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
