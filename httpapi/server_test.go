// SPDX-License-Identifier: GPL-2.0-only

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/registry"
)

type fakeBackend struct {
	status int
	calls  []registry.Command
}

func (f *fakeBackend) Update(p *registry.Port, cmd registry.Command) int {
	f.calls = append(f.calls, cmd)
	return f.status
}

func (f *fakeBackend) Timeout(p *registry.Port) {}

type fakeMachine struct {
	restartStatus int
}

func (f *fakeMachine) Restart(p *registry.Port) int { return f.restartStatus }

func newTestServer(t *testing.T) (*Server, *registry.Registry, *fakeBackend, *registry.Port) {
	t.Helper()
	l, err := eventloop.New(nil)
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	reg := registry.New(nil, l)
	be := &fakeBackend{status: registry.StatusOK}
	path, _ := registry.ParsePath("1-1")
	p := &registry.Port{Paths: [][]uint8{path}, Backend: be, Enabled: true, HasDevice: true, Device: registry.DeviceIdentity{VID: 1, PID: 2}}
	reg.AddPort(p)

	srv := New(nil, reg, &fakeMachine{}, "/tmp/unused.sock", -1)
	return srv, reg, be, p
}

func TestHandleGetListsPortsWithDevices(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body listBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Ports) != 1 || body.Ports[0].Path != "1-1" {
		t.Fatalf("unexpected ports list: %+v", body.Ports)
	}
}

func TestHandlePostEnableDispatchesToBackend(t *testing.T) {
	srv, _, be, _ := newTestServer(t)
	body, _ := json.Marshal(postBody{Ports: []postEntry{{Path: "1-1", Cmd: int(registry.CmdEnable)}}})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(be.calls) != 1 || be.calls[0] != registry.CmdEnable {
		t.Fatalf("expected one enable call, got %v", be.calls)
	}
}

func TestHandlePostUnknownPathIsSkippedSilently(t *testing.T) {
	srv, _, be, _ := newTestServer(t)
	body, _ := json.Marshal(postBody{Ports: []postEntry{{Path: "9-9", Cmd: int(registry.CmdEnable)}}})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an unknown path, got %d", rec.Code)
	}
	if len(be.calls) != 0 {
		t.Fatalf("expected no backend calls for an unknown path, got %v", be.calls)
	}
}

func TestHandlePostBusyStatusMapsTo503(t *testing.T) {
	srv, _, be, _ := newTestServer(t)
	be.status = registry.StatusBusy
	body, _ := json.Marshal(postBody{Ports: []postEntry{{Path: "1-1", Cmd: int(registry.CmdEnable)}}})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandlePostOtherFailureStatusMapsTo400(t *testing.T) {
	srv, _, be, _ := newTestServer(t)
	be.status = registry.StatusError
	body, _ := json.Marshal(postBody{Ports: []postEntry{{Path: "1-1", Cmd: int(registry.CmdEnable)}}})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePostUnknownCommandIs400(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	body, _ := json.Marshal(postBody{Ports: []postEntry{{Path: "1-1", Cmd: 99}}})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown command, got %d", rec.Code)
	}
}

func TestHandleRejectsBeyondMaxClients(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	for i := 0; i < MaxClients; i++ {
		srv.sem <- struct{}{}
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once MaxClients is exhausted, got %d", rec.Code)
	}
}
