package remediators

import (
	"fmt"
	"os"
	"path/filepath"
)

// Driver attribute layout under sysfs.
const (
	DriverName     = "xhci_hcd"
	driverSubdir   = "bus/pci/drivers"
	unbindAttrName = "unbind"
	bindAttrName   = "bind"
)

// AttributeWriteError is returned when a driver attribute cannot be opened
// or the kernel rejects the written value. It abandons the current recovery
// cycle but is never fatal.
type AttributeWriteError struct {
	// Op is "open" or "write".
	Op   string
	Path string
	Err  error
}

func (e *AttributeWriteError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *AttributeWriteError) Unwrap() error {
	return e.Err
}

// BusController unbinds and binds a PCI device from the xhci_hcd driver by
// writing its bus id to the driver's sysfs attributes. It holds no state
// besides the attribute paths and does not retry.
type BusController struct {
	driverDir string
}

// NewBusController creates a controller rooted at sysfsRoot (normally /sys).
func NewBusController(sysfsRoot string) *BusController {
	return &BusController{
		driverDir: filepath.Join(sysfsRoot, driverSubdir, DriverName),
	}
}

// UnbindPath returns the driver's unbind attribute path.
func (c *BusController) UnbindPath() string {
	return filepath.Join(c.driverDir, unbindAttrName)
}

// BindPath returns the driver's bind attribute path.
func (c *BusController) BindPath() string {
	return filepath.Join(c.driverDir, bindAttrName)
}

// Unbind detaches busID from the driver.
func (c *BusController) Unbind(busID string) error {
	return c.WriteAttribute(c.UnbindPath(), busID)
}

// Bind attaches busID to the driver.
func (c *BusController) Bind(busID string) error {
	return c.WriteAttribute(c.BindPath(), busID)
}

// IsBound reports whether busID is currently bound to the driver. The driver
// directory holds one symlink per bound device.
func (c *BusController) IsBound(busID string) bool {
	_, err := os.Lstat(filepath.Join(c.driverDir, busID))
	return err == nil
}

// WriteAttribute opens path for appending and writes value without a
// trailing newline. The kernel validates the value during the write, so an
// unknown or already (un)bound bus id surfaces as a write error.
func (c *BusController) WriteAttribute(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return &AttributeWriteError{Op: "open", Path: path, Err: err}
	}

	_, writeErr := f.Write([]byte(value))
	closeErr := f.Close()
	if writeErr != nil {
		return &AttributeWriteError{Op: "write", Path: path, Err: writeErr}
	}
	if closeErr != nil {
		return &AttributeWriteError{Op: "write", Path: path, Err: closeErr}
	}
	return nil
}
