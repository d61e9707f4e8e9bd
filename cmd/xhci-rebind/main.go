// xhci-rebind - watches the kernel log for a wedged xhci_hcd host controller
// and recovers it by unbinding and rebinding the PCI device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/supporttools/xhci-rebind/pkg/detector"
	"github.com/supporttools/xhci-rebind/pkg/logger"
	"github.com/supporttools/xhci-rebind/pkg/monitors/journal"
	"github.com/supporttools/xhci-rebind/pkg/notify"
	"github.com/supporttools/xhci-rebind/pkg/remediators"
	"github.com/supporttools/xhci-rebind/pkg/signature"
	"github.com/supporttools/xhci-rebind/pkg/types"
	"github.com/supporttools/xhci-rebind/pkg/util"
)

// Build-time variables set by goreleaser or make
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const defaultConfigPath = "/etc/xhci-rebind/config.toml"

// options holds the parsed command line. The config overrides are kept in a
// WatchdogConfig and only copied over fields whose flag was set.
type options struct {
	flags *pflag.FlagSet

	configPath  string
	printConfig string
	checkConfig bool
	version     bool

	overrides types.WatchdogConfig
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run executes the watchdog and returns the process exit status.
func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "xhci-rebind: %v\n", err)
		return 2
	}

	if opts.version {
		printVersion(stdout)
		return 0
	}

	config, err := loadConfiguration(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xhci-rebind: failed to load configuration: %v\n", err)
		return 1
	}

	if opts.printConfig != "" {
		if err := util.EncodeConfig(stdout, config, opts.printConfig); err != nil {
			fmt.Fprintf(os.Stderr, "xhci-rebind: %v\n", err)
			return 1
		}
		return 0
	}
	if opts.checkConfig {
		fmt.Fprintf(stdout, "configuration OK (bus %s)\n", config.BusID)
		return 0
	}

	if err := logger.Initialize(config.LogLevel, config.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "xhci-rebind: failed to initialize logger: %v\n", err)
		return 1
	}
	logger.Debugf("Effective configuration: %+v", *config)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runWatchdog(ctx, config); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Infof("Received shutdown signal, xhci-rebind stopped")
			return 0
		}
		logger.WithError(err).Error("xhci-rebind failed")
		return 1
	}
	return 0
}

// parseFlags parses args into options without touching the process-wide
// flag set.
func parseFlags(args []string) (*options, error) {
	fs := pflag.NewFlagSet("xhci-rebind", pflag.ContinueOnError)
	opts := &options{flags: fs}

	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (TOML, YAML or JSON; default "+defaultConfigPath+" if present)")
	fs.StringVar(&opts.overrides.BusID, "bus-id", "", "PCI bus id of the xHCI controller, e.g. 0000:05:00.0")
	fs.Uint64Var(&opts.overrides.BusRebindDelay, "bus-rebind-delay", types.DefaultBusRebindDelay, "Seconds to wait between unbind and bind")
	fs.Uint64Var(&opts.overrides.NextFailCheckDelay, "next-fail-check-delay", types.DefaultNextFailCheckDelay, "Seconds to wait after a recovery before watching again")
	fs.StringVar(&opts.overrides.PreUnbindHook, "pre-unbind-cmd", "", "Absolute path of a program to run before unbinding")
	fs.StringVar(&opts.overrides.PostRebindHook, "post-rebind-cmd", "", "Absolute path of a program to run after rebinding")
	fs.StringVar(&opts.overrides.LogLevel, "log-level", types.DefaultLogLevel, "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&opts.overrides.LogFormat, "log-format", types.DefaultLogFormat, "Log format (text, json, journal)")
	fs.StringVar(&opts.overrides.SysfsRoot, "sysfs-root", types.DefaultSysfsRoot, "Mount point of sysfs")
	fs.StringVar(&opts.printConfig, "print-config", "", "Print the effective configuration in the given format (toml, yaml, json) and exit")
	fs.BoolVar(&opts.checkConfig, "check-config", false, "Validate the configuration and exit")
	fs.BoolVarP(&opts.version, "version", "V", false, "Show version information and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// loadConfiguration builds the effective configuration with this precedence:
// 1. Built-in defaults
// 2. Configuration file
// 3. Flags given on the command line
// 4. LOG_LEVEL from the environment
// The result is validated.
func loadConfiguration(opts *options) (*types.WatchdogConfig, error) {
	var config *types.WatchdogConfig
	var err error

	if opts.configPath != "" {
		config, err = util.LoadConfig(opts.configPath)
	} else {
		config, err = util.LoadConfigOrDefault(defaultConfigPath)
	}
	if err != nil {
		return nil, err
	}

	applyFlagOverrides(config, opts)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyFlagOverrides copies every explicitly set flag into config.
func applyFlagOverrides(config *types.WatchdogConfig, opts *options) {
	fs := opts.flags
	o := &opts.overrides

	if fs.Changed("bus-id") {
		config.BusID = o.BusID
	}
	if fs.Changed("bus-rebind-delay") {
		config.BusRebindDelay = o.BusRebindDelay
	}
	if fs.Changed("next-fail-check-delay") {
		config.NextFailCheckDelay = o.NextFailCheckDelay
	}
	if fs.Changed("pre-unbind-cmd") {
		config.PreUnbindHook = o.PreUnbindHook
	}
	if fs.Changed("post-rebind-cmd") {
		config.PostRebindHook = o.PostRebindHook
	}
	if fs.Changed("log-level") {
		config.LogLevel = o.LogLevel
	}
	if fs.Changed("log-format") {
		config.LogFormat = o.LogFormat
	}
	if fs.Changed("sysfs-root") {
		config.SysfsRoot = o.SysfsRoot
	}
}

// runWatchdog wires the components together and blocks until ctx ends or a
// fatal error occurs.
func runWatchdog(ctx context.Context, config *types.WatchdogConfig) error {
	logger.WithFields(logrus.Fields{
		"version": Version,
		"bus":     config.BusID,
	}).Info("xhci-rebind starting")

	bus := remediators.NewBusController(config.SysfsRoot)
	checkEnvironment(config, bus)

	matcher, err := signature.New(config.BusID)
	if err != nil {
		return err
	}
	logger.WithField("pattern", matcher.String()).Debug("Failure signature compiled")

	source, err := journal.Open(journal.DefaultFilters())
	if err != nil {
		return fmt.Errorf("failed to open kernel log: %w", err)
	}
	defer source.Close()

	notifier := notify.NewSystemdNotifier()
	orchestrator, err := detector.New(config, detector.Dependencies{
		Source:   source,
		Matcher:  matcher,
		Bus:      bus,
		Hooks:    remediators.NewHookRunner(),
		Notifier: notifier,
	})
	if err != nil {
		return err
	}

	err = orchestrator.Run(ctx)
	if ctx.Err() != nil {
		if stopErr := notifier.NotifyStopping(); stopErr != nil {
			logger.WithError(stopErr).Debug("Failed to notify systemd of shutdown")
		}
	}
	return err
}

// checkEnvironment logs conditions that will make a recovery fail. None of
// them stop the watchdog; the device may appear later.
func checkEnvironment(config *types.WatchdogConfig, bus *remediators.BusController) {
	if util.IsRunningInContainer() {
		logger.Warnf("Running inside a container, %s must be the host sysfs mounted read-write", config.SysfsRoot)
	}
	if !util.IsSupervisedBySystemd() {
		logger.Warnf("NOTIFY_SOCKET is not set, readiness notification will fail; run as a Type=notify systemd service")
	}
	if !util.IsDriverLoaded(config.SysfsRoot, remediators.DriverName) {
		logger.Warnf("Driver %s is not loaded (%s missing)", remediators.DriverName, bus.UnbindPath())
		return
	}
	if !util.IsSysfsWritable(config.SysfsRoot) {
		logger.Warnf("%s is mounted read-only, unbind and bind will fail", config.SysfsRoot)
	}
	if !bus.IsBound(config.BusID) {
		logger.Warnf("Bus %s is not currently bound to %s", config.BusID, remediators.DriverName)
	}
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "xhci-rebind %s\n", Version)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Built: %s\n", BuildTime)
	fmt.Fprintf(w, "  Go Version: %s\n", runtime.Version())
	fmt.Fprintf(w, "  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
