package serialmux

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/adaptive.scan/internal/monitoring"
	"github.com/banshee-data/adaptive.scan/internal/testutil"
)

func echoPort() *ResponderPort {
	return NewResponderPort(func(line string) []string {
		return []string{"ECHO " + line}
	})
}

func startMonitor(t *testing.T, mux *SerialMux[*ResponderPort]) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	return done
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case line, ok := <-ch:
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line")
	}
	return ""
}

func TestSerialMux_SendAndReceive(t *testing.T) {
	port := echoPort()
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	id1, ch1 := mux.Subscribe()
	id2, ch2 := mux.Subscribe()
	if id1 == id2 {
		t.Fatal("subscription ids should be unique")
	}

	if err := mux.SendCommand("POS? x"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if got := recv(t, ch1); got != "ECHO POS? x" {
		t.Errorf("subscriber 1 got %q", got)
	}
	if got := recv(t, ch2); got != "ECHO POS? x" {
		t.Errorf("subscriber 2 got %q", got)
	}

	written := port.Written()
	if len(written) != 1 || written[0] != "POS? x" {
		t.Errorf("written = %q", written)
	}

	mux.Unsubscribe(id1)
	if _, ok := <-ch1; ok {
		t.Error("unsubscribed channel should be closed")
	}
	mux.Unsubscribe(id1)
}

func TestSerialMux_SkipsBlankAndTrimsCR(t *testing.T) {
	port := NewResponderPort(nil)
	mux := NewSerialMux(port)
	startMonitor(t, mux)
	_, ch := mux.Subscribe()

	port.Inject("", "DONE x 1.5\r")
	if got := recv(t, ch); got != "DONE x 1.5" {
		t.Errorf("got %q", got)
	}
}

func TestSerialMux_SendCommandErrors(t *testing.T) {
	port := NewResponderPort(nil)
	mux := NewSerialMux(port)

	port.FailNextWrite(errors.New("cable unplugged"))
	err := mux.SendCommand("MOVE x 1")
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("error = %v, want ErrWriteFailed", err)
	}

	mux.Close()
	if err := mux.SendCommand("MOVE x 1"); !errors.Is(err, ErrClosed) {
		t.Errorf("error after Close = %v, want ErrClosed", err)
	}
}

func TestSerialMux_CloseEndsMonitor(t *testing.T) {
	port := NewResponderPort(nil)
	mux := NewSerialMux(port)
	done := startMonitor(t, mux)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("Close should close subscriber channels")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Monitor returned %v after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}

	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing after Close should return a closed channel")
	}
}

func TestSerialMux_MonitorContextCancel(t *testing.T) {
	mux := NewSerialMux(NewResponderPort(nil))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor ignored cancellation")
	}
	mux.Close()
}

func TestSerialMux_SlowSubscriberDropsLines(t *testing.T) {
	lines, restore := monitoring.Capture()
	defer restore()

	port := NewResponderPort(nil)
	mux := NewSerialMux(port)
	startMonitor(t, mux)
	_, slow := mux.Subscribe()
	_, fast := mux.Subscribe()

	for i := 0; i < DefaultSubscriberBuffer+5; i++ {
		port.Inject("tick")
		recv(t, fast)
	}
	if len(slow) != DefaultSubscriberBuffer {
		t.Errorf("slow subscriber holds %d lines, want %d", len(slow), DefaultSubscriberBuffer)
	}
	dropped := 0
	for _, l := range lines() {
		if strings.Contains(l, "dropping") {
			dropped++
		}
	}
	if dropped != 5 {
		t.Errorf("logged %d drops, want 5", dropped)
	}
}

func localHostRequest(method, path string, form url.Values) *http.Request {
	req := testutil.DebugRequest(method, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestAttachAdminRoutes_SerialCommand(t *testing.T) {
	port := NewResponderPort(nil)
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	tests := []struct {
		name   string
		method string
		form   url.Values
		status int
	}{
		{"valid", http.MethodPost, url.Values{"command": {"VEL? x"}}, http.StatusOK},
		{"empty", http.MethodPost, url.Values{"command": {"  "}}, http.StatusBadRequest},
		{"get", http.MethodGet, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			httpMux.ServeHTTP(rec, localHostRequest(tt.method, "/debug/serial-command", tt.form))
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
	if w := port.Written(); len(w) != 1 || w[0] != "VEL? x" {
		t.Errorf("written = %q", w)
	}
}

func TestAttachAdminRoutes_SerialTail(t *testing.T) {
	port := NewResponderPort(nil)
	mux := NewSerialMux(port)
	startMonitor(t, mux)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	ts := httptest.NewServer(httpMux)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/debug/serial-tail", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), ": ping") {
		t.Fatalf("expected initial ping, got %q", scanner.Text())
	}
	port.Inject("POS y -15.0000")
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			if line != "data: POS y -15.0000" {
				t.Errorf("got %q", line)
			}
			break
		}
	}
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if opts.BaudRate != DefaultBaudRate || opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %+v", opts)
	}
	if got := (PortOptions{BaudRate: 9600, Parity: "even", StopBits: 2}).String(); got != "9600 8E2" {
		t.Errorf("String() = %q", got)
	}

	for _, bad := range []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	} {
		if _, err := bad.SerialMode(); err == nil {
			t.Errorf("%+v should be rejected", bad)
		}
	}

	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode: %v", err)
	}
	if mode.StopBits != 2 || mode.BaudRate != DefaultBaudRate {
		t.Errorf("mode = %+v", mode)
	}
}

func TestOpen(t *testing.T) {
	port := NewResponderPort(nil)
	var gotPath string
	mux, err := Open(func(path string, _ PortOptions) (SerialPorter, error) {
		gotPath = path
		return port, nil
	}, "/dev/ttyUSB0", PortOptions{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotPath != "/dev/ttyUSB0" {
		t.Errorf("opener got %q", gotPath)
	}
	mux.Close()

	_, err = Open(func(string, PortOptions) (SerialPorter, error) {
		return nil, errors.New("no such device")
	}, "/dev/null", PortOptions{})
	if err == nil {
		t.Error("expected opener error")
	}
}
