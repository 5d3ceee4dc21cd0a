// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Thermoquad/limelight/pkg/dmx"
	"github.com/Thermoquad/limelight/pkg/rdm"
	"gopkg.in/yaml.v3"
)

// BusConfig describes the simulated bus used by --loopback mode: the
// controller's identity and the responders installed on the far end.
type BusConfig struct {
	// ControllerUID is the UID the controller port sources requests
	// from, in XXXX:XXXXXXXX notation.
	ControllerUID string `yaml:"controller_uid"`

	// BreakLen and MABLen are the controller's transmit timing in
	// microseconds. Zero selects the driver defaults.
	BreakLen int64 `yaml:"break_len"`
	MABLen   int64 `yaml:"mab_len"`

	// StoreDir holds one CBOR parameter store per responder. Empty
	// keeps parameters in memory only.
	StoreDir string `yaml:"store_dir"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one simulated responder.
type DeviceConfig struct {
	UID                  string `yaml:"uid"`
	ModelID              uint16 `yaml:"model_id"`
	ProductCategory      uint16 `yaml:"product_category"`
	SoftwareVersionID    uint32 `yaml:"software_version_id"`
	SoftwareVersionLabel string `yaml:"software_version_label"`
	ManufacturerLabel    string `yaml:"manufacturer_label"`
	DeviceLabel          string `yaml:"device_label"`
	ModelDescription     string `yaml:"model_description"`
	Footprint            uint16 `yaml:"footprint"`
	StartAddress         uint16 `yaml:"start_address"`
	BreakLen             int64  `yaml:"break_len"`
	MABLen               int64  `yaml:"mab_len"`

	// Personalities lists selectable slot layouts. Empty means a single
	// personality built from footprint and model_description.
	Personalities []PersonalityConfig `yaml:"personalities"`
}

// PersonalityConfig describes one selectable slot layout.
type PersonalityConfig struct {
	Footprint   uint16 `yaml:"footprint"`
	Description string `yaml:"description"`
}

// DefaultConfig returns the bus used when no config file is given: two
// responders with prototyping-range UIDs.
func DefaultConfig() *BusConfig {
	return &BusConfig{
		Devices: []DeviceConfig{
			{
				UID:          "7FF0:00000010",
				ModelID:      0x0001,
				Footprint:    4,
				StartAddress: 1,
				DeviceLabel:  "sim dimmer A",
			},
			{
				UID:          "7FF0:00000020",
				ModelID:      0x0001,
				Footprint:    4,
				StartAddress: 5,
				DeviceLabel:  "sim dimmer B",
			},
		},
	}
}

// LoadConfig reads and parses the config at path, or returns the default
// bus when path is empty.
func LoadConfig(path string) (*BusConfig, error) {
	if path == "" {
		cfg := DefaultConfig()
		cfg.Normalize()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %v", path, err)
	}

	var cfg BusConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %v", path, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %v", path, err)
	}
	return &cfg, nil
}

// defaultControllerUID is used when neither the config nor the --uid flag
// names one. 7FFx is the prototyping manufacturer range.
const defaultControllerUID = "7FF0:00000001"

// Normalize fills defaulted fields in place.
func (c *BusConfig) Normalize() {
	if c.ControllerUID == "" {
		c.ControllerUID = defaultControllerUID
	}
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.StartAddress == 0 {
			d.StartAddress = 1
		}
		if d.Footprint == 0 {
			d.Footprint = 1
		}
		if d.ManufacturerLabel == "" {
			d.ManufacturerLabel = "Thermoquad"
		}
		if d.SoftwareVersionLabel == "" {
			d.SoftwareVersionLabel = "sim"
		}
		if d.ModelDescription == "" {
			d.ModelDescription = "Simulated responder"
		}
	}
}

// Validate checks UID syntax, addressing ranges and bus capacity.
func (c *BusConfig) Validate() error {
	if _, err := ParseUID(c.ControllerUID); err != nil {
		return fmt.Errorf("controller_uid: %v", err)
	}

	// One port is the controller's.
	if len(c.Devices) > dmx.MaxPorts-1 {
		return fmt.Errorf("%d devices configured, at most %d fit on the simulated bus", len(c.Devices), dmx.MaxPorts-1)
	}

	seen := make(map[rdm.UID]bool)
	for i := range c.Devices {
		d := &c.Devices[i]
		uid, err := ParseUID(d.UID)
		if err != nil {
			return fmt.Errorf("devices[%d].uid: %v", i, err)
		}
		if uid == 0 || uid.IsBroadcast() {
			return fmt.Errorf("devices[%d].uid: %s is not a device UID", i, uid)
		}
		if seen[uid] {
			return fmt.Errorf("devices[%d].uid: %s appears twice", i, uid)
		}
		seen[uid] = true

		if d.StartAddress < 1 || d.StartAddress > 512 {
			return fmt.Errorf("devices[%d].start_address: %d out of range 1..512", i, d.StartAddress)
		}
		if int(d.StartAddress)+int(d.Footprint)-1 > 512 {
			return fmt.Errorf("devices[%d]: footprint %d at address %d runs past slot 512", i, d.Footprint, d.StartAddress)
		}
		for j, p := range d.Personalities {
			if int(d.StartAddress)+int(p.Footprint)-1 > 512 {
				return fmt.Errorf("devices[%d].personalities[%d]: footprint %d at address %d runs past slot 512", i, j, p.Footprint, d.StartAddress)
			}
		}
	}
	return nil
}

// Identity converts a device config into the driver's identity seed.
func (d *DeviceConfig) Identity() dmx.DeviceIdentity {
	var personalities []dmx.Personality
	for _, p := range d.Personalities {
		personalities = append(personalities, dmx.Personality{
			Footprint:   p.Footprint,
			Description: p.Description,
		})
	}
	return dmx.DeviceIdentity{
		ModelID:              d.ModelID,
		ProductCategory:      d.ProductCategory,
		SoftwareVersionID:    d.SoftwareVersionID,
		SoftwareVersionLabel: d.SoftwareVersionLabel,
		ManufacturerLabel:    d.ManufacturerLabel,
		DeviceLabel:          d.DeviceLabel,
		ModelDescription:     d.ModelDescription,
		Footprint:            d.Footprint,
		StartAddress:         d.StartAddress,
		Personalities:        personalities,
	}
}

// ParseUID parses the conventional XXXX:XXXXXXXX UID notation.
func ParseUID(s string) (rdm.UID, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("UID %q is not in XXXX:XXXXXXXX form", s)
	}

	var manufacturer uint16
	var device uint32
	if _, err := fmt.Sscanf(parts[0], "%04x", &manufacturer); err != nil || len(parts[0]) != 4 {
		return 0, fmt.Errorf("UID %q has a bad manufacturer field", s)
	}
	if _, err := fmt.Sscanf(parts[1], "%08x", &device); err != nil || len(parts[1]) != 8 {
		return 0, fmt.Errorf("UID %q has a bad device field", s)
	}
	return rdm.NewUID(manufacturer, device), nil
}

// controllerUIDFromFlags resolves the controller UID from --uid or the
// config, in that order.
func controllerUIDFromFlags(cfg *BusConfig) (rdm.UID, error) {
	if controllerUID != "" {
		return ParseUID(controllerUID)
	}
	if cfg != nil {
		return ParseUID(cfg.ControllerUID)
	}
	return ParseUID(defaultControllerUID)
}
