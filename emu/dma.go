package emu

import (
	"math"

	"github.com/frank-ceva/npmemu/trace"
)

// DMAType selects one of the modeled transfer lanes.
type DMAType int

const (
	DMADDRToL2 DMAType = iota // system DMA: DDR -> L2
	DMAL2ToDDR                // system DMA: L2 -> DDR
	DMAL2ToL1                 // engine DMA: L2 -> L1
	DMAL1ToL2                 // engine DMA: L1 -> L2
)

func (t DMAType) traceEvent() string {
	switch t {
	case DMADDRToL2:
		return trace.EventDDRToL2
	case DMAL2ToDDR:
		return trace.EventL2ToDDR
	case DMAL2ToL1:
		return trace.EventL2ToL1
	case DMAL1ToL2:
		return trace.EventL1ToL2
	}
	return "UNKNOWN"
}

// DMAConfig holds the bandwidth/clock model: a system lane for DDR↔L2 and a per-engine lane
// for L2↔L1.
type DMAConfig struct {
	SystemBandwidthGBps float64
	L1BandwidthGBps     float64
	ClockFreqMHz        uint64
}

// DefaultDMAConfig returns typical NPM figures.
func DefaultDMAConfig() DMAConfig {
	return DMAConfig{
		SystemBandwidthGBps: 50.0,
		L1BandwidthGBps:     100.0,
		ClockFreqMHz:        1000,
	}
}

// DMAModel converts byte counts into cycle counts and aggregates per-lane statistics.
// It is private to a single matmul invocation on the server; statistics reset per kernel.
type DMAModel struct {
	config DMAConfig

	currentCycle        uint64
	totalBytes          uint64
	totalTransferCycles uint64
	ddrL2Bytes          uint64
	l2L1Bytes           uint64

	traceCtx *trace.Context
}

// NewDMAModel builds a model with the given lane configuration.
func NewDMAModel(config DMAConfig) *DMAModel {
	return &DMAModel{config: config}
}

// SetTraceContext attaches a trace sink; DMA events are emitted when its DMA category is on.
func (m *DMAModel) SetTraceContext(ctx *trace.Context) { m.traceCtx = ctx }

// Config returns the lane configuration.
func (m *DMAModel) Config() DMAConfig { return m.config }

// calculateCycles converts a transfer of the given size into cycles:
// bytes_per_cycle = bandwidth_gbps * 125 / clock_mhz, minimum one cycle per transfer.
func (m *DMAModel) calculateCycles(t DMAType, bytes uint64) uint64 {
	bandwidth := m.config.SystemBandwidthGBps
	if t == DMAL2ToL1 || t == DMAL1ToL2 {
		bandwidth = m.config.L1BandwidthGBps
	}
	bytesPerCycle := bandwidth * 125.0 / float64(m.config.ClockFreqMHz)
	cycles := uint64(math.Ceil(float64(bytes) / bytesPerCycle))
	if cycles == 0 {
		cycles = 1
	}
	return cycles
}

// Transfer accounts one transfer, advances the cycle counter, and returns the cycles taken.
// Engine is -1 on the system lanes.
func (m *DMAModel) Transfer(t DMAType, bytes uint64, engine int) uint64 {
	cycles := m.calculateCycles(t, bytes)

	m.currentCycle += cycles
	m.totalBytes += bytes
	m.totalTransferCycles += cycles
	switch t {
	case DMADDRToL2, DMAL2ToDDR:
		m.ddrL2Bytes += bytes
	case DMAL2ToL1, DMAL1ToL2:
		m.l2L1Bytes += bytes
	}

	if m.traceCtx.Enabled(trace.DMA) {
		m.traceCtx.TraceDMA(t.traceEvent(), bytes, cycles, engine)
	}
	return cycles
}

// AdvanceCycles charges non-DMA (compute) cycles to the shared counter.
func (m *DMAModel) AdvanceCycles(cycles uint64) { m.currentCycle += cycles }

// CurrentCycle returns the cycle counter.
func (m *DMAModel) CurrentCycle() uint64 { return m.currentCycle }

// TotalBytes returns the bytes moved across all lanes since the last reset.
func (m *DMAModel) TotalBytes() uint64 { return m.totalBytes }

// TotalTransferCycles returns cycles spent on transfers (excluding AdvanceCycles).
func (m *DMAModel) TotalTransferCycles() uint64 { return m.totalTransferCycles }

// DDRL2Bytes returns bytes moved on the system lane.
func (m *DMAModel) DDRL2Bytes() uint64 { return m.ddrL2Bytes }

// L2L1Bytes returns bytes moved on the engine lane.
func (m *DMAModel) L2L1Bytes() uint64 { return m.l2L1Bytes }

// ResetStats zeroes every counter including the cycle counter.
func (m *DMAModel) ResetStats() {
	m.currentCycle = 0
	m.totalBytes = 0
	m.totalTransferCycles = 0
	m.ddrL2Bytes = 0
	m.l2L1Bytes = 0
}
