// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/go-usbmonitor/usbmonitor/registry"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultSocketPath = "/var/run/usbmonitor.sock"
	defaultPIDPath    = "/var/run/usb-monitor.pid"
	defaultListen     = ":8080"
)

// initConfig defines CLI flags, binds them into viper, and loads the
// JSON config file, mirroring the teacher's flag/viper wiring in
// initConfig. -c is mandatory here: unlike the teacher's plugin
// resource list, this daemon has nothing to supervise without it.
func initConfig() error {
	flag.StringP("config", "c", "", "Path to the JSON config file.")
	flag.StringP("logfile", "o", "", "Path to a log file. Accepted but unused: logs are always written to stdout.")
	flag.StringP("socket-group", "g", "", "Numeric gid that owns the control socket.")
	flag.BoolP("daemonize", "d", false, "Accepted but unused: the process always stays in the foreground.")
	flag.BoolP("syslog", "s", false, "Accepted but unused: logs are always written to stdout, never to syslog.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", defaultListen, "The address at which to listen for health and metrics.")
	flag.String("socket", defaultSocketPath, "Path to the control Unix domain socket.")
	flag.String("pidfile", defaultPIDPath, "Path to the single-instance PID lock file.")
	flag.Bool("gpio-probe", false, "Run the GPIO path-discovery probe once at startup, then persist the learned mapping and resume normal supervision.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	cfgFile := viper.GetString("config")
	if cfgFile == "" {
		return fmt.Errorf("a config file is required (-c)")
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("json")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// rawHandler is the heterogeneous shape every handlers[] entry decodes
// into first; Ports is decoded a second time, per backend, once Name
// tells us which concrete shape to expect.
type rawHandler struct {
	Name        string                   `json:"name"`
	Ports       []map[string]interface{} `json:"ports"`
	MCUPath     string                   `json:"mcu_path"`
	MCULockPath string                   `json:"mcu_lock_path"`
	PersistPath string                   `json:"persist_path"`
}

type gpioPortSpec struct {
	Path     []string `json:"path"`
	GPIONum  int      `json:"gpio_num"`
	GPIOPath string   `json:"gpio_path"`
	OnVal    uint8    `json:"on_val"`
	OffVal   uint8    `json:"off_val"`
}

type lannerPortSpec struct {
	Path []string `json:"path"`
	Bit  int      `json:"bit"`
}

// handlerSpec is one decoded handlers[] entry, ready for main to turn
// into registered ports and a backend instance.
type handlerSpec struct {
	Name        string
	GPIOPorts   []gpioPortSpec
	LannerPorts []lannerPortSpec
	MCUPath     string
	MCULockPath string
	// PersistPath is the GPIO handler's path-discovery mapping file:
	// read at startup to fill in ports with no configured "path", and
	// written by -gpio-probe once discovery finishes.
	PersistPath string
}

func decodeInto(result interface{}, data interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: result, TagName: "json"})
	if err != nil {
		return err
	}
	return decoder.Decode(data)
}

// getConfiguredHandlers decodes the top-level "handlers" array,
// dispatching each entry's Ports by Name the way
// usb_monitor_parse_handlers dispatches on the "GPIO" name.
func getConfiguredHandlers() ([]handlerSpec, error) {
	raw := viper.Get("handlers")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("handlers must be an array")
	}

	specs := make([]handlerSpec, 0, len(items))
	for _, item := range items {
		var rh rawHandler
		if err := decodeInto(&rh, item); err != nil {
			return nil, fmt.Errorf("failed to decode handler entry: %w", err)
		}

		spec := handlerSpec{Name: rh.Name, MCUPath: rh.MCUPath, MCULockPath: rh.MCULockPath, PersistPath: rh.PersistPath}
		switch strings.ToLower(rh.Name) {
		case "gpio":
			for _, portData := range rh.Ports {
				var ps gpioPortSpec
				if err := decodeInto(&ps, portData); err != nil {
					return nil, fmt.Errorf("failed to decode gpio port: %w", err)
				}
				if ps.GPIONum == 0 && ps.GPIOPath == "" {
					return nil, fmt.Errorf("gpio port %v requires gpio_num or gpio_path", ps.Path)
				}
				if len(ps.Path) == 0 && rh.PersistPath == "" {
					return nil, fmt.Errorf("gpio port with gpio_path %q has no configured path and no persist_path to learn one from", ps.GPIOPath)
				}
				spec.GPIOPorts = append(spec.GPIOPorts, ps)
			}
		case "lanner":
			for _, portData := range rh.Ports {
				var ps lannerPortSpec
				if err := decodeInto(&ps, portData); err != nil {
					return nil, fmt.Errorf("failed to decode lanner port: %w", err)
				}
				spec.LannerPorts = append(spec.LannerPorts, ps)
			}
		default:
			return nil, fmt.Errorf("unrecognized handler name %q", rh.Name)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

type badIDSpec struct {
	VID uint16 `json:"vid"`
	PID uint16 `json:"pid"`
}

// getConfiguredBadDevices decodes the top-level "bad_vid_pids" array.
func getConfiguredBadDevices() ([]registry.DeviceIdentity, error) {
	raw := viper.Get("bad_vid_pids")
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("bad_vid_pids must be an array")
	}

	out := make([]registry.DeviceIdentity, 0, len(items))
	for _, item := range items {
		var bad badIDSpec
		if err := decodeInto(&bad, item); err != nil {
			return nil, fmt.Errorf("failed to decode bad_vid_pids entry: %w", err)
		}
		out = append(out, registry.DeviceIdentity{VID: bad.VID, PID: bad.PID})
	}
	return out, nil
}

// maxPathsPerPort bounds how many alternate topology paths a single
// port may be configured with (used by GPIO ports that share power
// across a fixed pair of connectors).
const maxPathsPerPort = 2

func parsePaths(raw []string) ([][]uint8, error) {
	if len(raw) == 0 || len(raw) > maxPathsPerPort {
		return nil, fmt.Errorf("port must have 1 or %d topology paths, got %d", maxPathsPerPort, len(raw))
	}
	paths := make([][]uint8, 0, len(raw))
	for _, s := range raw {
		p, err := registry.ParsePath(s)
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}
