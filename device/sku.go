package device

import "strings"

// SKU identifies a fixed NPM hardware configuration.
type SKU uint32

const (
	SKU4K SKU = iota // 1 engine, 16K INT4 MACs
	SKU8K            // 1 engine, 32K INT4 MACs
	SKU16K           // 2 engines, 64K INT4 MACs
	SKU32K           // 4 engines, 128K INT4 MACs
	SKU64K           // 8 engines, 256K INT4 MACs
	SKUMock          // mock implementation
	SKUEmulator      // emulator implementation
)

// SKUConfig is one row of the closed SKU table: engine count, on-chip memory sizes, and peak
// MAC throughput per cycle per engine.
type SKUConfig struct {
	SKU        SKU
	NumEngines int

	L1Size        uint64 // per engine
	L2SizeDefault uint64
	L2SizeMin     uint64
	L2SizeMax     uint64

	Int4MACs int64
	Int8MACs int64
	FP16MACs int64
}

// FP32MACs derives the FP32 throughput: half the FP16 rate.
func (c *SKUConfig) FP32MACs() int64 { return c.FP16MACs / 2 }

const (
	kib = 1024
	mib = 1024 * kib
)

var skuConfigs = []SKUConfig{
	{SKU4K, 1, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 16000, 4000, 2000},
	{SKU8K, 1, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 32000, 8000, 4000},
	{SKU16K, 2, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 64000, 16000, 8000},
	{SKU32K, 4, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 128000, 32000, 16000},
	{SKU64K, 8, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 256000, 64000, 32000},
	{SKUMock, 1, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 0, 0, 0},
	{SKUEmulator, 1, 1 * mib, 8 * mib, 1 * mib, 32 * mib, 0, 0, 0},
}

// Config returns the configuration row for the SKU, or nil for an unknown value.
func (s SKU) Config() *SKUConfig {
	for i := range skuConfigs {
		if skuConfigs[i].SKU == s {
			return &skuConfigs[i]
		}
	}
	return nil
}

// String returns the human-readable SKU name.
func (s SKU) String() string {
	switch s {
	case SKU4K:
		return "NPM4K"
	case SKU8K:
		return "NPM8K"
	case SKU16K:
		return "NPM16K"
	case SKU32K:
		return "NPM32K"
	case SKU64K:
		return "NPM64K"
	case SKUMock:
		return "Mock"
	case SKUEmulator:
		return "Emulator"
	}
	return "Unknown"
}

// SKUFromString parses a SKU name case-insensitively, accepting both "NPM8K" and bare "8K"
// forms. Unrecognized names default to NPM8K, matching the emulator's historical behavior.
func SKUFromString(name string) SKU {
	s := strings.ToUpper(strings.TrimSpace(name))
	s = strings.TrimPrefix(s, "NPM")
	switch s {
	case "4K":
		return SKU4K
	case "8K":
		return SKU8K
	case "16K":
		return SKU16K
	case "32K":
		return SKU32K
	case "64K":
		return SKU64K
	case "MOCK":
		return SKUMock
	case "EMULATOR":
		return SKUEmulator
	}
	return SKU8K
}
