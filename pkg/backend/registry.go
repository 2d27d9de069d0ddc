package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

// Device is one entry in a platform's device catalog.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	NumQubits   int    `json:"num_qubits"`
	IsSimulator bool   `json:"is_simulator"`
	IsAvailable bool   `json:"is_available"`
}

// Registry maps platform names to adapters and carries each platform's
// device catalog. Device existence and availability are checked here,
// before anything reaches the adapter.
type Registry struct {
	mu        sync.RWMutex
	platforms map[string]*platformEntry
}

type platformEntry struct {
	adapter Adapter
	devices map[string]Device
}

func NewRegistry() *Registry {
	return &Registry{platforms: make(map[string]*platformEntry)}
}

// RegisterPlatform binds an adapter and its device catalog to a
// platform name, replacing any previous binding.
func (r *Registry) RegisterPlatform(name string, adapter Adapter, devices []Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &platformEntry{adapter: adapter, devices: make(map[string]Device, len(devices))}
	for _, d := range devices {
		e.devices[d.ID] = d
	}
	r.platforms[name] = e
}

// Resolve validates the platform/device pair and returns the adapter.
func (r *Registry) Resolve(platform, deviceID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	d, ok := e.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %q on platform %q", ErrUnknownDevice, deviceID, platform)
	}
	if !d.IsAvailable {
		return nil, fmt.Errorf("%w: %q", ErrDeviceUnavailable, deviceID)
	}
	return e.adapter, nil
}

// Device returns catalog metadata for one device.
func (r *Registry) Device(platform, deviceID string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.platforms[platform]
	if !ok {
		return Device{}, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	d, ok := e.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("%w: %q on platform %q", ErrUnknownDevice, deviceID, platform)
	}
	return d, nil
}

// Platforms lists registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.platforms))
	for name := range r.platforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Devices lists a platform's catalog, sorted by id.
func (r *Registry) Devices(platform string) ([]Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.platforms[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
	out := make([]Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
