// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-usbmonitor/usbmonitor/backend/gpio"
	"github.com/go-usbmonitor/usbmonitor/backend/lanner"
	"github.com/go-usbmonitor/usbmonitor/eventloop"
	"github.com/go-usbmonitor/usbmonitor/httpapi"
	"github.com/go-usbmonitor/usbmonitor/metrics"
	"github.com/go-usbmonitor/usbmonitor/pidfile"
	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/go-usbmonitor/usbmonitor/state"
	"github.com/go-usbmonitor/usbmonitor/supervisor"
	"github.com/go-usbmonitor/usbmonitor/usbhost"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

const (
	autoRestartSweepIntervalMs = 60000
	badDeviceSweepIntervalMs   = 25000
	metricsRefreshIntervalMs   = 5000
)

func newLogger() (log.Logger, error) {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	switch lvl := viper.GetString("log-level"); lvl {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s", lvl, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}

// Main is the principal function for the binary, wrapped only by
// `main` for convenience, following the teacher's own split.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}

	pf, err := pidfile.Acquire(viper.GetString("pidfile"))
	if err != nil {
		return errors.Wrap(err, "failed to acquire pid file")
	}
	defer func() { _ = pf.Close() }()

	handlers, err := getConfiguredHandlers()
	if err != nil {
		return err
	}
	badDevices, err := getConfiguredBadDevices()
	if err != nil {
		return err
	}

	loop, err := eventloop.New(logger)
	if err != nil {
		return errors.Wrap(err, "failed to create event loop")
	}
	defer func() { _ = loop.Close() }()

	reg := registry.New(logger, loop)
	reg.SetBadDevices(badDevices)

	adapter, err := usbhost.NewAdapter(logger, loop)
	if err != nil {
		return errors.Wrap(err, "failed to create usb host adapter")
	}
	defer func() { _ = adapter.Close() }()

	mach := state.New(logger, reg, adapter)
	super := supervisor.New(logger, reg, mach, adapter)

	gpioBackend := gpio.New(logger, reg, mach, loop)
	super.SetProbeArrivalHandler(gpioBackend.OnArrival)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)
	mach.SetMetrics(m)
	gpioBackend.SetMetrics(m)

	gpioProbePersistPath, err := configureHandlers(logger, reg, mach, loop, gpioBackend, handlers, m)
	if err != nil {
		return err
	}
	if viper.GetBool("gpio-probe") {
		if gpioProbePersistPath == "" {
			return fmt.Errorf("-gpio-probe requires a gpio handler with persist_path configured")
		}
		gpioBackend.StartProbe(gpioProbePersistPath)
	}

	var g run.Group
	{
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}
		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("health/metrics server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		httpSrv := httpapi.New(logger, reg, mach, viper.GetString("socket"), resolveGroup(viper.GetString("socket-group")))
		if err := httpSrv.Listen(); err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return httpSrv.Serve(ctx)
		}, func(error) {
			cancel()
			_ = httpSrv.Close()
		})
	}

	{
		term := make(chan os.Signal, 1)
		usr1 := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		signal.Notify(usr1, syscall.SIGUSR1)
		// SIGUSR1 only sets this flag; the forced sweep itself runs on the
		// loop thread from the iteration callback.
		var forceSweep atomic.Bool
		loop.OnIteration(func() {
			if forceSweep.Swap(false) {
				reg.ResetAll(true)
			}
		})
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; shutting down")
					return nil
				case <-usr1:
					_ = level.Info(logger).Log("msg", "SIGUSR1 received, forcing full reset sweep")
					forceSweep.Store(true)
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		g.Add(func() error {
			// Bad-device sweep: restarts only ports showing a listed
			// VID/PID; disconnected ports are left to the auto-restart sweep.
			loop.AddTimer(badDeviceSweepIntervalMs, func() {
				for _, p := range reg.AllPorts() {
					if p.Mode == registry.ModeReset || p.Mode == registry.ModeProbe || !p.Enabled {
						continue
					}
					if p.HasDevice && reg.IsBadDevice(p.Device.VID, p.Device.PID) {
						p.Backend.Update(p, registry.CmdRestart)
					}
				}
			}, badDeviceSweepIntervalMs, true)
			if !viper.GetBool("disable_auto_restart") {
				loop.AddTimer(autoRestartSweepIntervalMs, func() { reg.ResetAll(false) }, autoRestartSweepIntervalMs, true)
			}
			loop.AddTimer(metricsRefreshIntervalMs, func() { m.RefreshPortCounts(reg) }, metricsRefreshIntervalMs, true)
			super.Start()
			return loop.Run()
		}, func(error) {
			loop.Stop()
		})
	}

	return g.Run()
}

// resolveGroup looks up name as a numeric gid, falling back to -1
// (leave ownership unchanged) if empty or unparsable; a full
// name-to-gid lookup belongs to the out-of-scope os/user collaborator
// in a deployment that needs it.
func resolveGroup(name string) int {
	if name == "" {
		return -1
	}
	var gid int
	if _, err := fmt.Sscanf(name, "%d", &gid); err != nil {
		return -1
	}
	return gid
}

// configureHandlers turns decoded handler specs into registered ports
// and backend instances, and returns the GPIO handler's persist path
// (if any), so the caller can start -gpio-probe against it.
func configureHandlers(logger log.Logger, reg *registry.Registry, mach *state.Machine, loop *eventloop.Loop, gpioBackend *gpio.Backend, handlers []handlerSpec, m *metrics.Metrics) (string, error) {
	gpioPersistPath := ""
	for _, h := range handlers {
		switch strings.ToLower(h.Name) {
		case "gpio":
			gpioPersistPath = h.PersistPath
			learned, err := loadLearnedGPIOPaths(h.PersistPath)
			if err != nil {
				return "", err
			}
			for _, ps := range h.GPIOPorts {
				cfg := gpio.PortConfig{GPIONum: ps.GPIONum, Path: ps.GPIOPath, OnVal: ps.OnVal, OffVal: ps.OffVal}
				rawPaths := ps.Path
				if len(rawPaths) == 0 {
					entry, ok := learned[cfg.SysfsPath()]
					if !ok {
						return "", fmt.Errorf("gpio port %s has no configured path and none was learned from %s; run -gpio-probe first", cfg.SysfsPath(), h.PersistPath)
					}
					rawPaths = entry.Path
					if cfg.OnVal == 0 {
						cfg.OnVal = entry.OnVal
					}
					if cfg.OffVal == 0 {
						cfg.OffVal = entry.OffVal
					}
				}
				paths, err := parsePaths(rawPaths)
				if err != nil {
					return "", err
				}
				p := &registry.Port{Paths: paths, Kind: registry.KindGPIO, PowerOn: true, Enabled: true}
				gpioBackend.AddPort(p, cfg)
			}
		case "lanner":
			lannerBackend := lanner.New(logger, reg, mach, loop, h.MCUPath, h.MCULockPath)
			lannerBackend.SetMetrics(m)
			lannerBackend.SetFatalHandler(func(err error) {
				_ = level.Error(logger).Log("msg", "fatal lanner mcu error, exiting", "err", err)
				os.Exit(1)
			})
			for _, ps := range h.LannerPorts {
				paths, err := parsePaths(ps.Path)
				if err != nil {
					return "", err
				}
				p := &registry.Port{Paths: paths, Kind: registry.KindLanner, PowerOn: true, Enabled: true}
				lannerBackend.AddPort(p, ps.Bit)
			}
		}
	}
	return gpioPersistPath, nil
}

// loadLearnedGPIOPaths reads a previously-persisted GPIO path mapping
// (if persistPath is set and the file exists) and indexes it by sysfs
// path, so ports configured without an explicit "path" can adopt the
// topology path the probe discovered for them.
func loadLearnedGPIOPaths(persistPath string) (map[string]gpio.PathMapping, error) {
	if persistPath == "" {
		return nil, nil
	}
	entries, err := gpio.LoadMapping(persistPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load persisted gpio path mapping")
	}
	byPath := make(map[string]gpio.PathMapping, len(entries))
	for _, e := range entries {
		byPath[e.SysfsPath] = e
	}
	return byPath, nil
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
