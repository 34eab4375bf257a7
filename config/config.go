// Package config holds the settings of a guest process: arena size, thread
// layout, translation cache geometry and execution limits.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sarchlab/armhle/emu"
	"github.com/sarchlab/armhle/memory"
)

// Config holds the settings of a guest process.
type Config struct {
	// ArenaSize is the size of the backing memory arena in bytes.
	// Default: 2GB.
	ArenaSize uint64 `json:"arena_size"`

	// TLSSlots is the number of thread-local storage slots, including the
	// reserved slot 0. Default: 32.
	TLSSlots int `json:"tls_slots"`

	// TLSSize is the size of one TLS slot in bytes. Default: 0x200.
	TLSSize uint64 `json:"tls_size"`

	// StackSize is the size of the main thread stack. Default: 8MB.
	StackSize uint64 `json:"stack_size"`

	// ImageBase is where the first executable image is placed.
	// Default: 0x8000000.
	ImageBase uint64 `json:"image_base"`

	// TLBSets and TLBWays set the geometry of each thread's translation
	// cache. Default: 64 sets of 4 ways.
	TLBSets int `json:"tlb_sets"`
	TLBWays int `json:"tlb_ways"`

	// Core is the emulated CPU model, "cortex-a53" or "cortex-a57".
	Core string `json:"core"`

	// LegacyLowAddressFallback makes unmapped accesses below
	// LegacyLowAddressLimit read zero and drop writes instead of faulting.
	LegacyLowAddressFallback bool   `json:"legacy_low_address_fallback"`
	LegacyLowAddressLimit    uint64 `json:"legacy_low_address_limit"`

	// MaxInstructions bounds each thread's executed instructions.
	// 0 means no limit.
	MaxInstructions uint64 `json:"max_instructions"`
}

// Default returns a Config with the default values.
func Default() *Config {
	return &Config{
		ArenaSize:             memory.DefaultArenaSize,
		TLSSlots:              32,
		TLSSize:               0x200,
		StackSize:             8 << 20,
		ImageBase:             0x8000000,
		TLBSets:               64,
		TLBWays:               4,
		Core:                  "cortex-a57",
		LegacyLowAddressLimit: memory.DefaultLowAddressLimit,
	}
}

// Load loads a Config from a JSON file. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// Save writes the Config to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks that the values describe a usable process layout.
func (c *Config) Validate() error {
	if c.ArenaSize == 0 || c.ArenaSize%memory.PageSize != 0 {
		return fmt.Errorf("arena_size must be a non-zero multiple of 0x%x", memory.PageSize)
	}
	if c.TLSSlots < 2 {
		return fmt.Errorf("tls_slots must be >= 2")
	}
	if c.TLSSize == 0 || c.TLSSize&(c.TLSSize-1) != 0 {
		return fmt.Errorf("tls_size must be a power of two")
	}
	if c.StackSize == 0 || c.StackSize%memory.PageSize != 0 {
		return fmt.Errorf("stack_size must be a non-zero multiple of 0x%x", memory.PageSize)
	}
	if c.ImageBase%memory.PageSize != 0 || c.ImageBase >= memory.AddrSize {
		return fmt.Errorf("image_base must be page aligned and inside the address space")
	}
	if uint64(c.TLSSlots)*c.TLSSize+c.StackSize >= memory.AddrSize-c.ImageBase {
		return fmt.Errorf("stack and tls regions overlap image_base")
	}
	if c.TLBSets <= 0 || c.TLBWays <= 0 {
		return fmt.Errorf("tlb_sets and tlb_ways must be > 0")
	}
	if _, err := emu.ParseCoreType(c.Core); err != nil {
		return err
	}
	if c.LegacyLowAddressLimit%memory.PageSize != 0 {
		return fmt.Errorf("legacy_low_address_limit must be page aligned")
	}
	return nil
}

// CoreType returns the parsed core model. It assumes the config is valid.
func (c *Config) CoreType() emu.CoreType {
	core, _ := emu.ParseCoreType(c.Core)
	return core
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
