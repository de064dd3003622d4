package memmanager

import "fmt"

// SwapPolicy governs whether the swap-file set may grow at runtime.
type SwapPolicy int

const (
	// Fixed fails OutOfSwap once the configured swap ceiling is reached.
	Fixed SwapPolicy = iota
	// AutoExtendable grows the file set by the deficit as long as the
	// backing filesystem has room.
	AutoExtendable
	// Interactive prompts a human for additional fileSize steps before
	// failing.
	Interactive
)

const (
	minFileSize     = 1 << 20        // 1 MiB
	maxDefaultFile  = 4 << 30        // 4 GiB
	defaultResizeFr = 1.0            // grow to cover a placement in one step
	defaultSwapOut  = 0.25           // swapOutFraction
	defaultSwapIn   = 0.10           // swapInFraction
	defaultTurnoff  = 0.10           // preemptiveTurnoffFraction
	defaultAlign    = int64(1 << 12) // 4 KiB, overridden by actual page size when DMA is on
)

// Config carries every tunable knob from design sections 4.I and 6.
type Config struct {
	MemoryCeiling uintptr
	SwapCeiling   uintptr
	FileSize      int64
	SwapPolicy    SwapPolicy
	DMAEnabled    bool

	PreemptiveLoad            bool
	SwapOutFraction           float64
	SwapInFraction            float64
	PreemptiveTurnoffFraction float64
	ResizeFraction            float64

	// FileTemplate is a printf-style mask with a "%d" verb for the process
	// id, which New fills in, and an escaped "%%d" for the file index, e.g.
	// the default "/tmp/rambrainswap-%d-%%d". An empty template selects the
	// in-memory dummy backend.
	FileTemplate string

	// Workers bounds the async I/O worker pool; <=0 uses
	// asyncio.DefaultWorkerCount().
	Workers int
}

// Option configures a Config.
type Option func(*Config)

// DefaultConfig returns a Config with every non-required knob at its
// documented default.
func DefaultConfig(memoryCeiling, swapCeiling uintptr) *Config {
	fileSize := int64(swapCeiling) / 16
	if fileSize > maxDefaultFile {
		fileSize = maxDefaultFile
	}

	if fileSize < minFileSize {
		fileSize = minFileSize
	}

	return &Config{
		MemoryCeiling:             memoryCeiling,
		SwapCeiling:               swapCeiling,
		FileSize:                  fileSize,
		SwapPolicy:                Fixed,
		DMAEnabled:                false,
		PreemptiveLoad:            true,
		SwapOutFraction:           defaultSwapOut,
		SwapInFraction:            defaultSwapIn,
		PreemptiveTurnoffFraction: defaultTurnoff,
		ResizeFraction:            defaultResizeFr,
		FileTemplate:              "/tmp/rambrainswap-%d-%%d",
	}
}

func WithSwapPolicy(p SwapPolicy) Option { return func(c *Config) { c.SwapPolicy = p } }
func WithDMA(enabled bool) Option        { return func(c *Config) { c.DMAEnabled = enabled } }
func WithPreemptiveLoad(on bool) Option  { return func(c *Config) { c.PreemptiveLoad = on } }
func WithFileSize(n int64) Option        { return func(c *Config) { c.FileSize = n } }
func WithFileTemplate(t string) Option   { return func(c *Config) { c.FileTemplate = t } }
func WithWorkers(n int) Option           { return func(c *Config) { c.Workers = n } }

func WithSwapOutFraction(f float64) Option {
	return func(c *Config) { c.SwapOutFraction = f }
}

func WithSwapInFraction(f float64) Option {
	return func(c *Config) { c.SwapInFraction = f }
}

func WithPreemptiveTurnoffFraction(f float64) Option {
	return func(c *Config) { c.PreemptiveTurnoffFraction = f }
}

// Validate reports a ConfigError-class problem with the config, if any.
func (c *Config) Validate() error {
	if c.MemoryCeiling == 0 {
		return fmt.Errorf("memmanager: MemoryCeiling must be > 0")
	}

	if c.SwapPolicy != Fixed && c.SwapCeiling == 0 {
		return fmt.Errorf("memmanager: SwapCeiling must be > 0 under a growable policy")
	}

	return nil
}
