package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	climatebridge "climate_bridge"
	"climate_bridge/internal/logger"
)

// fakeClient counts calls per endpoint and can be told to fail specific ones.
type fakeClient struct {
	zoneStateCalls int
	homeStateCalls int
	zonesCalls     int
	devicesCalls   int
	offsetCalls    int

	failZoneStates bool
	failZones      bool
	failOffsets    bool

	offsetValue float64
}

var errBoom = errors.New("boom")

func (c *fakeClient) ZoneStates(context.Context) (map[int]climatebridge.ZoneState, error) {
	c.zoneStateCalls++
	if c.failZoneStates {
		return nil, errBoom
	}
	return map[int]climatebridge.ZoneState{1: {ZoneID: 1, Power: "ON"}}, nil
}

func (c *fakeClient) HomeState(context.Context) (climatebridge.HomeState, error) {
	c.homeStateCalls++
	return climatebridge.HomeState{Presence: climatebridge.PresenceHome}, nil
}

func (c *fakeClient) Zones(context.Context) ([]climatebridge.Zone, error) {
	c.zonesCalls++
	if c.failZones {
		return nil, errBoom
	}
	return []climatebridge.Zone{{ID: 1, Name: "Living", Type: climatebridge.ZoneTypeHeating, SupportsTemp: true}}, nil
}

func (c *fakeClient) Devices(context.Context) ([]climatebridge.Device, error) {
	c.devicesCalls++
	return []climatebridge.Device{{Serial: "VA0001", Type: "VALVE", MeasuresTemp: true}}, nil
}

func (c *fakeClient) DeviceOffset(_ context.Context, serial string) (climatebridge.DeviceOffset, error) {
	c.offsetCalls++
	if c.failOffsets {
		return climatebridge.DeviceOffset{}, errBoom
	}
	return climatebridge.DeviceOffset{Serial: serial, Celsius: c.offsetValue}, nil
}

func (c *fakeClient) SetZoneOverlay(context.Context, int, climatebridge.Overlay) error { return nil }
func (c *fakeClient) ClearZoneOverlay(context.Context, int) error                      { return nil }
func (c *fakeClient) SetBulkOverlays(context.Context, []climatebridge.ZoneOverlay) error {
	return nil
}
func (c *fakeClient) ClearBulkOverlays(context.Context, []int) error       { return nil }
func (c *fakeClient) SetPresence(context.Context, string) error            { return nil }
func (c *fakeClient) SetDeviceOffset(context.Context, string, float64) error { return nil }
func (c *fakeClient) RateLimit() (climatebridge.RateLimit, bool) {
	return climatebridge.RateLimit{}, false
}

// newTestFetcher wires a fetcher with a controllable clock.
func newTestFetcher(c *fakeClient, slow, offset time.Duration) (*Fetcher, *time.Time) {
	f := New(c, logger.Nop(), slow, offset)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestFetchCycle_FastTrackAlwaysRuns(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, _ := newTestFetcher(c, time.Hour, 0)

	for i := 0; i < 3; i++ {
		if _, err := f.FetchCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if c.zoneStateCalls != 3 || c.homeStateCalls != 3 {
		t.Errorf("fast track calls = (%d, %d), want (3, 3)", c.zoneStateCalls, c.homeStateCalls)
	}
	// Slow track only on the first cycle.
	if c.zonesCalls != 1 || c.devicesCalls != 1 {
		t.Errorf("slow track calls = (%d, %d), want (1, 1)", c.zonesCalls, c.devicesCalls)
	}
}

func TestFetchCycle_SlowTrackReRunsAfterInterval(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, now := newTestFetcher(c, time.Hour, 0)

	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(59 * time.Minute)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.zonesCalls != 1 {
		t.Fatalf("slow track re-ran before interval elapsed: %d calls", c.zonesCalls)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.zonesCalls != 2 {
		t.Fatalf("slow track calls = %d, want 2 after interval elapsed", c.zonesCalls)
	}
}

func TestFetchCycle_FastFailureFailsCycle(t *testing.T) {
	t.Parallel()

	c := &fakeClient{failZoneStates: true}
	f, _ := newTestFetcher(c, time.Hour, 0)

	if _, err := f.FetchCycle(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected fast-track error, got %v", err)
	}
	// The cycle must stop before touching the slow track.
	if c.zonesCalls != 0 {
		t.Errorf("slow track ran despite fast-track failure")
	}
}

func TestFetchCycle_SlowFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, now := newTestFetcher(c, time.Hour, 0)

	// Prime the cache.
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	c.failZones = true
	*now = now.Add(2 * time.Hour)
	snap, err := f.FetchCycle(context.Background())
	if err != nil {
		t.Fatalf("slow-track failure must not fail the cycle: %v", err)
	}
	// Previous metadata is retained.
	if len(snap.Zones) != 1 {
		t.Errorf("cached zone metadata lost on slow-track failure")
	}

	// A failed slow fetch stays due: the next cycle retries.
	c.failZones = false
	*now = now.Add(time.Minute)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.zonesCalls != 3 {
		t.Errorf("zones calls = %d, want retry after failure", c.zonesCalls)
	}
}

func TestFetchCycle_OffsetTrackOnlyWhenDueOrInvalidated(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, now := newTestFetcher(c, time.Hour, 0) // periodic offset track disabled

	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	// First cycle invalidation state: offset track starts clean, disabled.
	if c.offsetCalls != 0 {
		t.Fatalf("offset track ran while disabled: %d calls", c.offsetCalls)
	}

	// Invalidation forces it exactly once.
	f.Invalidate()
	f.Invalidate() // idempotent before the next fetch
	*now = now.Add(time.Second)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.offsetCalls != 1 {
		t.Fatalf("offset calls after invalidate = %d, want 1", c.offsetCalls)
	}

	*now = now.Add(time.Second)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.offsetCalls != 1 {
		t.Fatalf("offset track re-ran without being due: %d calls", c.offsetCalls)
	}
}

func TestFetchCycle_InvalidateForcesSlowRefetch(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, now := newTestFetcher(c, time.Hour, 0)

	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.Invalidate()
	*now = now.Add(time.Second)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.zonesCalls != 2 {
		t.Fatalf("slow track calls after invalidate = %d, want 2", c.zonesCalls)
	}
}

func TestFetchCycle_OffsetRefreshLeavesPublishedSnapshotsAlone(t *testing.T) {
	t.Parallel()

	c := &fakeClient{offsetValue: -0.5}
	f, now := newTestFetcher(c, time.Hour, time.Hour)

	first, err := f.FetchCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := first.Offsets["VA0001"].Celsius; got != -0.5 {
		t.Fatalf("first snapshot offset = %v, want -0.5", got)
	}

	c.offsetValue = 1.5
	f.InvalidateOffsets()
	*now = now.Add(time.Second)
	second, err := f.FetchCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Offsets["VA0001"].Celsius; got != 1.5 {
		t.Fatalf("second snapshot offset = %v, want 1.5", got)
	}
	// The refresh swaps in a fresh map; the one already handed out must
	// keep the values it was published with.
	if got := first.Offsets["VA0001"].Celsius; got != -0.5 {
		t.Fatalf("offset refresh mutated an earlier snapshot: %v", got)
	}
}

func TestFetchCycle_InvalidationOutlivesEmptyOffsetRun(t *testing.T) {
	t.Parallel()

	c := &fakeClient{failZones: true}
	f, now := newTestFetcher(c, time.Hour, 0)

	f.Invalidate()
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	// The slow track failed, so no devices are known and the offset track
	// had nothing to do yet.
	if c.offsetCalls != 0 {
		t.Fatalf("offset calls = %d, want 0 before any device metadata", c.offsetCalls)
	}

	// Once metadata arrives the pending invalidation still applies.
	c.failZones = false
	*now = now.Add(time.Second)
	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.offsetCalls != 1 {
		t.Fatalf("offset calls = %d, want 1 once metadata arrives", c.offsetCalls)
	}
}

func TestReservedDailyCost(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	f, _ := newTestFetcher(c, 12*time.Hour, 6*time.Hour)

	// Before metadata exists, only the slow track counts: 2 calls * 2 runs.
	if got := f.ReservedDailyCost(); got != 4 {
		t.Fatalf("ReservedDailyCost before metadata = %d, want 4", got)
	}

	if _, err := f.FetchCycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	// One eligible device * 4 offset runs per day on top.
	if got := f.ReservedDailyCost(); got != 8 {
		t.Fatalf("ReservedDailyCost with metadata = %d, want 8", got)
	}
}
