// npm-emulator is a standalone process that emulates NPM hardware behavior.
//
// Device clients (NPM_DEVICE=emulator) connect over a Unix socket; tensor data is shared
// through POSIX shared memory. Configuration comes from an optional INI-style file plus flags,
// with flags taking precedence.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/tebeka/atexit"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/emu"
	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/trace"
)

var (
	flagConfig   = flag.String("config", "", "Path to an INI-style configuration file.")
	flagSocket   = flag.String("socket", "", "Unix socket path (default: "+protocol.DefaultSocketPath+").")
	flagSKU      = flag.String("sku", "", "Device SKU: NPM4K, NPM8K, NPM16K, NPM32K, NPM64K.")
	flagL2SizeMB = flag.Uint64("l2-size", 0, "L2 cache size in MB (default: SKU default).")
	flagTiling   = flag.Bool("tiling", false, "Enable tiled matmul execution with cache modeling.")
	flagTiming   = flag.Bool("timing", false, "Enable cycle-accurate timing simulation.")
	flagVerbose  = flag.Bool("verbose", false, "Verbose command logging.")

	flagSystemBW = flag.Float64("dma-system-bw", 0, "DDR<->L2 DMA bandwidth in GB/s (default 50).")
	flagL1BW     = flag.Float64("dma-l1-bw", 0, "L2<->L1 DMA bandwidth in GB/s (default 100).")
	flagClockMHz = flag.Uint64("clock-freq", 0, "Clock frequency in MHz (default 1000).")

	flagTraceCommands = flag.Bool("trace-commands", false, "Trace IPC commands.")
	flagTraceDMA      = flag.Bool("trace-dma", false, "Trace DMA transfers.")
	flagTraceOps      = flag.Bool("trace-ops", false, "Trace compute operations.")
	flagTraceFile     = flag.String("trace-file", "", "Trace output file (default stdout).")
)

func buildConfig() emu.Config {
	config := emu.DefaultConfig()
	if *flagConfig != "" {
		must.M(emu.LoadConfigFile(*flagConfig, &config))
	}
	if *flagSocket != "" {
		config.SocketPath = *flagSocket
	}
	if *flagSKU != "" {
		config.SKU = device.SKUFromString(*flagSKU)
	}
	if *flagL2SizeMB != 0 {
		config.L2Size = *flagL2SizeMB * 1024 * 1024
	}
	if *flagTiling {
		config.Tiling = true
	}
	if *flagTiming {
		config.Timing = true
	}
	if *flagVerbose {
		config.Verbose = true
	}
	if *flagSystemBW != 0 {
		config.DMA.SystemBandwidthGBps = *flagSystemBW
	}
	if *flagL1BW != 0 {
		config.DMA.L1BandwidthGBps = *flagL1BW
	}
	if *flagClockMHz != 0 {
		config.DMA.ClockFreqMHz = *flagClockMHz
	}
	if *flagTraceCommands {
		config.TraceCategories |= trace.Commands
	}
	if *flagTraceDMA {
		config.TraceCategories |= trace.DMA
	}
	if *flagTraceOps {
		config.TraceCategories |= trace.Ops
	}
	if *flagTraceFile != "" {
		config.TraceFile = *flagTraceFile
	}
	return config
}

var (
	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 2)
	bannerTitleStyle = lipgloss.NewStyle().Bold(true)
)

func printBanner(server *emu.Server, config *emu.Config) {
	skuCfg := server.SKU().Config()
	onOff := func(enabled bool) string {
		if enabled {
			return "enabled"
		}
		return "disabled"
	}
	lines := fmt.Sprintf(
		"%s\n\nSKU:      %s\nEngines:  %d\nL1 size:  %s per engine\nL2 size:  %s shared\n",
		bannerTitleStyle.Render(fmt.Sprintf("NPM Hardware Emulator v%d.%d",
			protocol.VersionMajor, protocol.VersionMinor)),
		server.SKU(), server.NumEngines(),
		humanize.IBytes(server.L1Size()), humanize.IBytes(server.L2Size()))
	if skuCfg.Int4MACs > 0 {
		lines += fmt.Sprintf("INT4:     %d MACs/cycle\nINT8:     %d MACs/cycle\nFP16:     %d MACs/cycle\n",
			skuCfg.Int4MACs, skuCfg.Int8MACs, skuCfg.FP16MACs)
	}
	lines += fmt.Sprintf("\nSocket:   %s\nTiling:   %s\nTiming:   %s\nVerbose:  %s",
		server.SocketPath(), onOff(config.Tiling), onOff(config.Timing), onOff(config.Verbose))
	fmt.Println(bannerStyle.Render(lines))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer atexit.Exit(0)

	config := buildConfig()
	server := must.M1(emu.NewServer(config))
	atexit.Register(server.Close)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		klog.Infof("received %s, shutting down", sig)
		server.Shutdown()
	}()

	printBanner(server, &config)
	if err := server.Run(); err != nil {
		klog.Errorf("server failed: %+v", err)
		atexit.Exit(1)
	}
}
