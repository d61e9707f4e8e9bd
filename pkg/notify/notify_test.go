package notify

import (
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type recordingSender struct {
	states []string
	sent   bool
	err    error
}

func (r *recordingSender) send(unsetEnvironment bool, state string) (bool, error) {
	r.states = append(r.states, state)
	return r.sent, r.err
}

func TestNotifyReadyAndStatus(t *testing.T) {
	rec := &recordingSender{sent: true}
	n := NewNotifierWithSender(rec.send)

	if err := n.NotifyReady(); err != nil {
		t.Fatalf("NotifyReady() error = %v", err)
	}
	if err := n.NotifyStatus("Start monitor xhci_hcd failure on bus 0000:05:00.0"); err != nil {
		t.Fatalf("NotifyStatus() error = %v", err)
	}
	if err := n.NotifyStopping(); err != nil {
		t.Fatalf("NotifyStopping() error = %v", err)
	}

	want := []string{"READY=1", "STATUS=Start monitor xhci_hcd failure on bus 0000:05:00.0", "STOPPING=1"}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v, want %v", rec.states, want)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Errorf("state[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestNotifyRejectedWithoutSocket(t *testing.T) {
	n := NewNotifierWithSender((&recordingSender{sent: false}).send)

	err := n.NotifyReady()
	var rejected *NotifyRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("NotifyReady() error = %v, want *NotifyRejectedError", err)
	}
	if rejected.State != "READY=1" {
		t.Errorf("State = %q", rejected.State)
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET") {
		t.Errorf("error = %q, should mention NOTIFY_SOCKET", err.Error())
	}
}

func TestNotifyRejectedOnSendError(t *testing.T) {
	cause := errors.New("connection refused")
	n := NewNotifierWithSender((&recordingSender{err: cause}).send)

	err := n.NotifyStatus("hello")
	if !errors.Is(err, cause) {
		t.Fatalf("NotifyStatus() error = %v, want wrapped cause", err)
	}
}

// TestSystemdNotifierSocket exercises the real sd_notify client against a
// unixgram socket standing in for systemd.
func TestSystemdNotifierSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: socketPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	t.Setenv("NOTIFY_SOCKET", socketPath)

	if err := NewSystemdNotifier().NotifyReady(); err != nil {
		t.Fatalf("NotifyReady() error = %v", err)
	}

	buf := make([]byte, 256)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("deadline: %v", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "READY=1" {
		t.Errorf("received %q, want READY=1", string(buf[:n]))
	}
}

func TestSystemdNotifierNoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := NewSystemdNotifier().NotifyReady()
	var rejected *NotifyRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("NotifyReady() error = %v, want rejection without NOTIFY_SOCKET", err)
	}
}
