// Package notify reports readiness and status to the service manager over
// the sd_notify protocol.
package notify

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyRejectedError is returned when the service manager did not accept a
// notification, either because no notification socket is configured or
// because sending failed. It is fatal: a watchdog that cannot report
// readiness is not running as a managed service.
type NotifyRejectedError struct {
	State string
	Err   error
}

func (e *NotifyRejectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cannot notify systemd, %s: NOTIFY_SOCKET not set", e.State)
	}
	return fmt.Sprintf("cannot notify systemd, %s: %v", e.State, e.Err)
}

func (e *NotifyRejectedError) Unwrap() error {
	return e.Err
}

// SendFunc delivers one sd_notify state string. It returns false when no
// notification socket is available. daemon.SdNotify satisfies it.
type SendFunc func(unsetEnvironment bool, state string) (bool, error)

// SystemdNotifier sends notifications to systemd.
type SystemdNotifier struct {
	send SendFunc
}

// NewSystemdNotifier creates a notifier backed by go-systemd's SdNotify.
func NewSystemdNotifier() *SystemdNotifier {
	return &SystemdNotifier{send: daemon.SdNotify}
}

// NewNotifierWithSender creates a notifier with a custom send function (for testing).
func NewNotifierWithSender(send SendFunc) *SystemdNotifier {
	return &SystemdNotifier{send: send}
}

// NotifyReady sends READY=1.
func (n *SystemdNotifier) NotifyReady() error {
	return n.notify(daemon.SdNotifyReady)
}

// NotifyStatus sends STATUS=<message>.
func (n *SystemdNotifier) NotifyStatus(message string) error {
	return n.notify("STATUS=" + message)
}

// NotifyStopping sends STOPPING=1. Used on signal shutdown.
func (n *SystemdNotifier) NotifyStopping() error {
	return n.notify(daemon.SdNotifyStopping)
}

func (n *SystemdNotifier) notify(state string) error {
	sent, err := n.send(false, state)
	if err != nil {
		return &NotifyRejectedError{State: state, Err: err}
	}
	if !sent {
		return &NotifyRejectedError{State: state}
	}
	return nil
}
