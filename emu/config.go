package emu

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/trace"
)

// Config holds the emulator server configuration. Zero values select sensible behavior via
// DefaultConfig; an optional INI-style file and CLI flags refine it.
type Config struct {
	SKU    device.SKU
	L2Size uint64 // bytes; 0 selects the SKU default, otherwise clamped to [min, max]

	Tiling  bool
	Timing  bool
	Verbose bool

	SocketPath string

	DMA DMAConfig

	TraceCategories trace.Category
	TraceFile       string // empty selects stdout
}

// DefaultConfig mirrors the emulator's historical defaults: NPM8K, SKU-default L2, everything
// else off.
func DefaultConfig() Config {
	return Config{
		SKU:        device.SKU8K,
		SocketPath: protocol.DefaultSocketPath,
		DMA:        DefaultDMAConfig(),
	}
}

func parseBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

// LoadConfigFile applies an INI-style "key=value" file on top of config. Lines starting with
// '#' and blank lines are skipped; unknown keys warn and are ignored so old files keep working.
func LoadConfigFile(path string, config *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening config file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			klog.Warningf("%s:%d: missing '='", path, lineNum)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "sku":
			config.SKU = device.SKUFromString(value)
		case "l2_size_mb":
			mb, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: l2_size_mb", path, lineNum)
			}
			config.L2Size = mb * 1024 * 1024
		case "tiling":
			config.Tiling = parseBool(value)
		case "timing":
			config.Timing = parseBool(value)
		case "verbose":
			config.Verbose = parseBool(value)
		case "socket":
			config.SocketPath = value
		case "dma_system_bw_gbps":
			bw, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: dma_system_bw_gbps", path, lineNum)
			}
			config.DMA.SystemBandwidthGBps = bw
		case "dma_l1_bw_gbps":
			bw, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: dma_l1_bw_gbps", path, lineNum)
			}
			config.DMA.L1BandwidthGBps = bw
		case "clock_freq_mhz":
			mhz, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: clock_freq_mhz", path, lineNum)
			}
			config.DMA.ClockFreqMHz = mhz
		case "trace_commands":
			config.setTraceCategory(trace.Commands, parseBool(value))
		case "trace_dma":
			config.setTraceCategory(trace.DMA, parseBool(value))
		case "trace_ops":
			config.setTraceCategory(trace.Ops, parseBool(value))
		case "trace_file":
			config.TraceFile = value
		default:
			klog.Warningf("%s:%d: unknown key %q", path, lineNum, key)
		}
	}
	return errors.Wrapf(scanner.Err(), "reading config file %s", path)
}

func (c *Config) setTraceCategory(cat trace.Category, enabled bool) {
	if enabled {
		c.TraceCategories |= cat
	} else {
		c.TraceCategories &^= cat
	}
}

// effectiveL2Size resolves the configured L2 size against the SKU limits.
func (c *Config) effectiveL2Size(skuCfg *device.SKUConfig) uint64 {
	l2 := c.L2Size
	if l2 == 0 {
		return skuCfg.L2SizeDefault
	}
	if l2 < skuCfg.L2SizeMin {
		return skuCfg.L2SizeMin
	}
	if l2 > skuCfg.L2SizeMax {
		return skuCfg.L2SizeMax
	}
	return l2
}
