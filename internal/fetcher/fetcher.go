// Package fetcher executes one polling cycle across three independent
// cadences against the upstream API: a fast track for live state, a slow
// track for structural metadata and an offset track for per-device
// calibration values.
package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	climatebridge "climate_bridge"
	"climate_bridge/internal/logger"
	"climate_bridge/internal/upstream"
)

// Fetcher owns the per-cadence cache and bookkeeping. Fast-track data is
// never cached; slow and offset results are reused until their interval
// elapses or the cache is invalidated. Cache maps are replaced wholesale,
// never mutated in place, so a published Snapshot stays safe to read while
// later cycles run.
type Fetcher struct {
	client upstream.Client
	log    *logger.Logger

	slowInterval   time.Duration
	offsetInterval time.Duration // 0 disables the periodic offset track

	mu          sync.Mutex // guards the cache fields below
	zonesMeta   map[int]climatebridge.Zone
	devicesMeta map[string]climatebridge.Device
	offsets     map[string]climatebridge.DeviceOffset

	slowInit          bool
	lastSlowFetch     time.Time
	lastOffsetFetch   time.Time
	offsetInvalidated bool

	now func() time.Time
}

// New builds a fetcher. slowInterval must be positive; offsetInterval of 0
// disables the periodic offset track (it still runs when invalidated).
func New(client upstream.Client, log *logger.Logger, slowInterval, offsetInterval time.Duration) *Fetcher {
	return &Fetcher{
		client:         client,
		log:            log,
		slowInterval:   slowInterval,
		offsetInterval: offsetInterval,
		zonesMeta:      make(map[int]climatebridge.Zone),
		devicesMeta:    make(map[string]climatebridge.Device),
		offsets:        make(map[string]climatebridge.DeviceOffset),
		now:            time.Now,
	}
}

// Invalidate clears the slow-track cache and marks the offset track stale,
// forcing both to re-run on the next cycle. Calling it repeatedly before a
// fetch happens is the same as calling it once.
func (f *Fetcher) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slowInit = false
	f.offsetInvalidated = true
}

// InvalidateOffsets forces only the offset track on the next cycle, leaving
// the metadata cache alone. Used after a calibration write.
func (f *Fetcher) InvalidateOffsets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsetInvalidated = true
}

// FetchCycle runs one polling cycle. Fast-track failure fails the whole
// cycle; slow and offset failures are logged and the previous cached values
// are retained.
func (f *Fetcher) FetchCycle(ctx context.Context) (climatebridge.Snapshot, error) {
	now := f.now()

	zoneStates, err := f.client.ZoneStates(ctx)
	if err != nil {
		return climatebridge.Snapshot{}, fmt.Errorf("fast track zone states: %w", err)
	}
	homeState, err := f.client.HomeState(ctx)
	if err != nil {
		return climatebridge.Snapshot{}, fmt.Errorf("fast track home state: %w", err)
	}

	if f.slowDue(now) {
		if err := f.fetchMetadata(ctx); err != nil {
			f.log.Warnw("slow track failed, keeping cached metadata", "err", err)
		} else {
			f.mu.Lock()
			f.slowInit = true
			f.lastSlowFetch = now
			f.mu.Unlock()
		}
	}

	if f.offsetDue(now) {
		// An invalidation stays pending until the track actually runs;
		// with no devices known yet there is nothing to fetch.
		if f.fetchOffsets(ctx) {
			f.mu.Lock()
			f.offsetInvalidated = false
			f.lastOffsetFetch = now
			f.mu.Unlock()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return climatebridge.Snapshot{
		ZoneStates: zoneStates,
		HomeState:  &homeState,
		Zones:      f.zonesMeta,
		Devices:    f.devicesMeta,
		Offsets:    f.offsets,
		FetchedAt:  now,
	}, nil
}

// FetchZoneStates runs only the zone part of the fast track, for targeted
// post-batch confirmation.
func (f *Fetcher) FetchZoneStates(ctx context.Context) (map[int]climatebridge.ZoneState, error) {
	return f.client.ZoneStates(ctx)
}

// FetchHomeState runs only the presence part of the fast track.
func (f *Fetcher) FetchHomeState(ctx context.Context) (climatebridge.HomeState, error) {
	return f.client.HomeState(ctx)
}

// ZonesMeta returns the cached zone metadata.
func (f *Fetcher) ZonesMeta() map[int]climatebridge.Zone {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zonesMeta
}

// DevicesMeta returns the cached device metadata.
func (f *Fetcher) DevicesMeta() map[string]climatebridge.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devicesMeta
}

func (f *Fetcher) slowDue(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.slowInit || now.Sub(f.lastSlowFetch) > f.slowInterval
}

func (f *Fetcher) offsetDue(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offsetInvalidated {
		return true
	}
	return f.offsetInterval > 0 && now.Sub(f.lastOffsetFetch) > f.offsetInterval
}

func (f *Fetcher) fetchMetadata(ctx context.Context) error {
	zones, err := f.client.Zones(ctx)
	if err != nil {
		return fmt.Errorf("zones: %w", err)
	}
	devices, err := f.client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}

	zonesMeta := make(map[int]climatebridge.Zone, len(zones))
	for _, z := range zones {
		zonesMeta[z.ID] = z
	}
	devicesMeta := make(map[string]climatebridge.Device, len(devices))
	for _, d := range devices {
		devicesMeta[d.Serial] = d
	}

	f.mu.Lock()
	f.zonesMeta = zonesMeta
	f.devicesMeta = devicesMeta
	f.mu.Unlock()
	return nil
}

// fetchOffsets pulls one calibration value per eligible device into a fresh
// map that replaces the cached one, leaving maps handed out in earlier
// snapshots untouched. Reports whether the track ran at all; per-device
// failures keep the previous cached value.
func (f *Fetcher) fetchOffsets(ctx context.Context) bool {
	f.mu.Lock()
	devices := f.devicesMeta
	prev := f.offsets
	f.mu.Unlock()

	if len(devices) == 0 {
		return false
	}

	offsets := make(map[string]climatebridge.DeviceOffset, len(prev))
	for serial, off := range prev {
		offsets[serial] = off
	}
	for serial, d := range devices {
		if !d.MeasuresTemp {
			continue
		}
		off, err := f.client.DeviceOffset(ctx, serial)
		if err != nil {
			f.log.Warnw("offset fetch failed, keeping cached value", "serial", serial, "err", err)
			continue
		}
		offsets[serial] = off
	}

	f.mu.Lock()
	f.offsets = offsets
	f.mu.Unlock()
	return true
}

// ReservedDailyCost estimates how many API calls the configured cadences
// consume per 24h, independent of user activity. Feeds the adaptive
// scheduler's background reservation.
func (f *Fetcher) ReservedDailyCost() int {
	const day = 24 * time.Hour

	// Slow track is two calls (zones + devices) per run.
	total := 0
	if f.slowInterval > 0 {
		total += 2 * int(day/f.slowInterval)
	}
	f.mu.Lock()
	eligible := 0
	for _, d := range f.devicesMeta {
		if d.MeasuresTemp {
			eligible++
		}
	}
	f.mu.Unlock()
	if f.offsetInterval > 0 {
		total += eligible * int(day/f.offsetInterval)
	}
	return total
}
