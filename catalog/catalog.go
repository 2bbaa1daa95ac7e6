// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package catalog holds the set of known CircuitIQ devices and the current
// selection. The catalog is replaced wholesale on every load; devices of an
// unsupported type are dropped at load time.
package catalog

import (
	"sort"
	"sync"

	"github.com/soothill/circuitiq-sync/meter"
)

// DeviceCatalog is a thread-safe map of device ID to DeviceInfo plus the
// currently selected device ID.
type DeviceCatalog struct {
	mu         sync.RWMutex
	deviceType string
	devices    map[string]meter.DeviceInfo
	selected   string
}

// New creates a catalog that accepts only devices of the given type.
func New(deviceType string) *DeviceCatalog {
	if deviceType == "" {
		deviceType = meter.DeviceTypeCircuitIQ
	}
	return &DeviceCatalog{
		deviceType: deviceType,
		devices:    make(map[string]meter.DeviceInfo),
	}
}

// Replace swaps the device set for the given list, dropping devices whose
// type does not match the supported type. The previous set is discarded
// entirely; entries are never merged. A selection pointing at a device that
// no longer exists is kept; callers decide whether to clear it.
func (c *DeviceCatalog) Replace(devices []meter.DeviceInfo) int {
	next := make(map[string]meter.DeviceInfo, len(devices))
	for _, d := range devices {
		if d.Type != c.deviceType {
			continue
		}
		next[d.ID] = d
	}

	c.mu.Lock()
	c.devices = next
	c.mu.Unlock()
	return len(next)
}

// Update replaces the stored DeviceInfo for one device. Devices of an
// unsupported type are ignored.
func (c *DeviceCatalog) Update(d meter.DeviceInfo) bool {
	if d.Type != "" && d.Type != c.deviceType {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[d.ID] = d
	return true
}

// Get returns the DeviceInfo for id and whether it exists.
func (c *DeviceCatalog) Get(id string) (meter.DeviceInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[id]
	return d, ok
}

// All returns every known device ordered by ID.
func (c *DeviceCatalog) All() []meter.DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]meter.DeviceInfo, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of known devices.
func (c *DeviceCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.devices)
}

// Select marks id as the active device. Selection does not require the
// device to be present yet; a subsequent load may bring it in.
func (c *DeviceCatalog) Select(id string) {
	c.mu.Lock()
	c.selected = id
	c.mu.Unlock()
}

// Selected returns the active device ID, or "" when none is selected.
func (c *DeviceCatalog) Selected() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected
}

// ClearSelection removes the active selection.
func (c *DeviceCatalog) ClearSelection() {
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()
}
