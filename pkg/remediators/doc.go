// Package remediators provides the actions that recover a wedged xhci_hcd
// controller.
//
// BusController detaches and reattaches a PCI device by writing its bus id
// to the driver's sysfs attributes:
//
//	bus := remediators.NewBusController("/sys")
//	if err := bus.Unbind("0000:05:00.0"); err != nil {
//	    // *AttributeWriteError: the cycle is abandoned
//	}
//	time.Sleep(3 * time.Second)
//	if err := bus.Bind("0000:05:00.0"); err != nil {
//	    // device stays unbound until an operator steps in
//	}
//
// HookRunner runs the optional operator programs around the rebind. Each
// hook gets its own process group and a wall-clock timeout; on expiry the
// group is killed and a *HookError of kind HookTimeout is returned:
//
//	runner := remediators.NewHookRunner()
//	out, err := runner.Run(ctx, "/usr/local/libexec/pre-unbind", 20*time.Second,
//	    map[string]string{remediators.EnvBusID: "0000:05:00.0"})
//	if remediators.IsHookTimeout(err) {
//	    // logged and ignored by the caller
//	}
//	_ = out
//
// Neither type retries or keeps state between calls; sequencing and delays
// belong to the detector package.
package remediators
