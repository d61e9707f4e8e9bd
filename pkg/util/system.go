package util

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// Cache container detection result
	isContainerOnce   sync.Once
	isContainerResult bool
)

// IsRunningInContainer detects if the current process is running inside a
// container. Driver bind/unbind writes usually fail there unless /sys is
// mounted read-write, so the watchdog warns about it at startup.
func IsRunningInContainer() bool {
	isContainerOnce.Do(func() {
		isContainerResult = detectContainer()
	})
	return isContainerResult
}

// detectContainer performs the actual container detection.
func detectContainer() bool {
	// Docker
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	// Podman
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") ||
			strings.Contains(content, "containerd") ||
			strings.Contains(content, "kubepods") ||
			strings.Contains(content, "lxc") {
			return true
		}
	}

	return false
}

// IsSupervisedBySystemd reports whether the process was started by systemd
// with a notification socket. Without one the readiness notification is
// rejected and the watchdog refuses to run.
func IsSupervisedBySystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// IsDriverLoaded reports whether the named PCI driver is registered, i.e.
// <sysfsRoot>/bus/pci/drivers/<driver> exists.
func IsDriverLoaded(sysfsRoot, driver string) bool {
	info, err := os.Stat(filepath.Join(sysfsRoot, "bus", "pci", "drivers", driver))
	return err == nil && info.IsDir()
}

// IsSysfsWritable reports whether the sysfs mount at sysfsRoot accepts
// writes, by checking the mount options in /proc/self/mountinfo.
func IsSysfsWritable(sysfsRoot string) bool {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		// Unknown; let the write itself report the problem.
		return true
	}
	return mountWritable(string(data), sysfsRoot)
}

// mountWritable parses mountinfo content and reports whether mountPoint is
// mounted read-write. Mount points that are not listed count as writable.
func mountWritable(mountinfo, mountPoint string) bool {
	writable := true
	for _, line := range strings.Split(mountinfo, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[4] != mountPoint {
			continue
		}
		// Later entries shadow earlier ones.
		writable = true
		for _, opt := range strings.Split(fields[5], ",") {
			if opt == "ro" {
				writable = false
			}
		}
	}
	return writable
}
