package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	climatebridge "climate_bridge"
	"climate_bridge/internal/logger"
	"climate_bridge/internal/metrics"
	"climate_bridge/internal/upstream"
)

// fakeClient counts every upstream call so tests can assert exactly what
// reached the network.
type fakeClient struct {
	mu    sync.Mutex
	calls map[string]int

	rl   climatebridge.RateLimit
	rlOK bool

	failZoneStates bool

	applied chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:   make(map[string]int),
		rl:      climatebridge.RateLimit{Limit: 100, Remaining: 90},
		rlOK:    true,
		applied: make(chan struct{}, 16),
	}
}

func (f *fakeClient) count(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeClient) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeClient) setRemaining(remaining int) {
	f.mu.Lock()
	f.rl.Remaining = remaining
	f.mu.Unlock()
}

func (f *fakeClient) setFailZoneStates(fail bool) {
	f.mu.Lock()
	f.failZoneStates = fail
	f.mu.Unlock()
}

func (f *fakeClient) ZoneStates(context.Context) (map[int]climatebridge.ZoneState, error) {
	f.count("ZoneStates")
	f.mu.Lock()
	fail := f.failZoneStates
	f.mu.Unlock()
	if fail {
		return nil, upstream.ErrConnection
	}
	return map[int]climatebridge.ZoneState{
		5: {ZoneID: 5, Power: climatebridge.PowerOn, InsideTempC: 20.5},
	}, nil
}

func (f *fakeClient) HomeState(context.Context) (climatebridge.HomeState, error) {
	f.count("HomeState")
	return climatebridge.HomeState{Presence: climatebridge.PresenceHome}, nil
}

func (f *fakeClient) Zones(context.Context) ([]climatebridge.Zone, error) {
	f.count("Zones")
	return []climatebridge.Zone{
		{ID: 5, Name: "Living Room", Type: climatebridge.ZoneTypeHeating, SupportsTemp: true},
		{ID: 9, Name: "Bedroom", Type: climatebridge.ZoneTypeHeating, SupportsTemp: true},
	}, nil
}

func (f *fakeClient) Devices(context.Context) ([]climatebridge.Device, error) {
	f.count("Devices")
	return []climatebridge.Device{{Serial: "VA0001", MeasuresTemp: true}}, nil
}

func (f *fakeClient) DeviceOffset(_ context.Context, serial string) (climatebridge.DeviceOffset, error) {
	f.count("DeviceOffset")
	return climatebridge.DeviceOffset{Serial: serial}, nil
}

func (f *fakeClient) SetZoneOverlay(_ context.Context, _ int, _ climatebridge.Overlay) error {
	f.count("SetZoneOverlay")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) ClearZoneOverlay(_ context.Context, _ int) error {
	f.count("ClearZoneOverlay")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) SetBulkOverlays(_ context.Context, _ []climatebridge.ZoneOverlay) error {
	f.count("SetBulkOverlays")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) ClearBulkOverlays(_ context.Context, _ []int) error {
	f.count("ClearBulkOverlays")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) SetPresence(_ context.Context, _ string) error {
	f.count("SetPresence")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) SetDeviceOffset(_ context.Context, _ string, _ float64) error {
	f.count("SetDeviceOffset")
	f.applied <- struct{}{}
	return nil
}

func (f *fakeClient) RateLimit() (climatebridge.RateLimit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rl, f.rlOK
}

func newTestEngine(t *testing.T, client upstream.Client) *Engine {
	t.Helper()
	e, err := New(Config{
		SlowPollInterval:  24 * time.Hour,
		ThrottleThreshold: 10,
		QuotaPercent:      80,
		Timezone:          "UTC",
		ResetHour:         0,
		ResetMinute:       1,
		DebounceWindow:    20 * time.Millisecond,
		MinFloor:          15 * time.Second,
		OptimisticGrace:   30 * time.Second,
	}, client, nil, metrics.NewCollector(), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func waitApplied(t *testing.T, client *fakeClient) {
	t.Helper()
	select {
	case <-client.applied:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound command")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestValidationErrorNeverReachesNetwork(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)

	err := e.QueueOverlay(5, climatebridge.Overlay{
		Setting: climatebridge.OverlaySetting{
			Type:  climatebridge.ZoneTypeHeating,
			Power: climatebridge.PowerOn,
			// deliberately missing temperature
		},
	})
	if !upstream.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := client.totalCalls(); n != 0 {
		t.Fatalf("validation failure must not touch the network, saw %d calls", n)
	}
	if keys := e.queue.PendingKeys(); len(keys) != 0 {
		t.Fatalf("validation failure must not enqueue, pending %v", keys)
	}
}

func TestRunCyclePublishesSnapshotAndSyncsHeaders(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)

	if err := e.runCycle(context.Background(), false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	snap, ok := e.Snapshot()
	if !ok {
		t.Fatal("expected a published snapshot")
	}
	if len(snap.ZoneStates) != 1 {
		t.Fatalf("expected 1 zone state, got %d", len(snap.ZoneStates))
	}
	if snap.APIStatus != climatebridge.StatusConnected {
		t.Fatalf("expected connected, got %s", snap.APIStatus)
	}
	if rl := e.CurrentRateLimit(); rl.Remaining != 90 || rl.Limit != 100 {
		t.Fatalf("tracker not synced from headers: %+v", rl)
	}
}

func TestBatchConfirmationRefreshesOnlyTouchedDomains(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.queue.Run(ctx)

	if err := e.runCycle(ctx, false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	baseZone := client.callCount("ZoneStates")
	baseHome := client.callCount("HomeState")

	err := e.QueueOverlay(5, climatebridge.Overlay{
		Setting: climatebridge.OverlaySetting{
			Type:        climatebridge.ZoneTypeHeating,
			Power:       climatebridge.PowerOn,
			Temperature: &climatebridge.Temperature{Celsius: 22},
		},
	})
	if err != nil {
		t.Fatalf("QueueOverlay: %v", err)
	}

	waitApplied(t, client)
	eventually(t, func() bool {
		return client.callCount("ZoneStates") == baseZone+1
	}, "expected one zone confirmation refresh")

	if client.callCount("HomeState") != baseHome {
		t.Fatal("presence domain was not touched, no refresh expected")
	}
}

func TestThrottledSuppressesConfirmationRefresh(t *testing.T) {
	client := newFakeClient()
	client.setRemaining(5) // below the threshold of 10
	e := newTestEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.queue.Run(ctx)

	if err := e.runCycle(ctx, false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}
	if e.Status() != climatebridge.StatusThrottled {
		t.Fatalf("expected throttled, got %s", e.Status())
	}
	baseZone := client.callCount("ZoneStates")

	if err := e.QueueResume(5); err != nil {
		t.Fatalf("QueueResume: %v", err)
	}
	waitApplied(t, client)

	// Give a wrong refresh a moment to happen, then assert it did not.
	time.Sleep(50 * time.Millisecond)
	if n := client.callCount("ZoneStates"); n != baseZone {
		t.Fatalf("throttled batch must not trigger a refresh, saw %d extra calls", n-baseZone)
	}
	// The suppressed refresh still charges the command locally: the headers
	// predate the batch, so remaining drops from 5 to 4.
	eventually(t, func() bool {
		return e.CurrentRateLimit().Remaining == 4
	}, "throttled batch must charge the local estimate, want remaining 4")
}

func TestThrottledBatchChargesLocalEstimatePerCommand(t *testing.T) {
	client := newFakeClient()
	client.setRemaining(5)
	e := newTestEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.queue.Run(ctx)

	if err := e.runCycle(ctx, false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if err := e.QueueResume(5); err != nil {
		t.Fatalf("QueueResume: %v", err)
	}
	if err := e.QueuePresence(climatebridge.PresenceAway); err != nil {
		t.Fatalf("QueuePresence: %v", err)
	}
	waitApplied(t, client)
	waitApplied(t, client)

	eventually(t, func() bool {
		return e.CurrentRateLimit().Remaining == 3
	}, "batch of 2 while throttled must drop remaining from 5 to 3")
}

func TestStateViewLayersOptimisticValues(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)

	if err := e.runCycle(context.Background(), false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	err := e.QueueOverlay(5, climatebridge.Overlay{
		Setting: climatebridge.OverlaySetting{
			Type:        climatebridge.ZoneTypeHeating,
			Power:       climatebridge.PowerOn,
			Temperature: &climatebridge.Temperature{Celsius: 23.5},
		},
	})
	if err != nil {
		t.Fatalf("QueueOverlay: %v", err)
	}

	view, ok := e.StateView()
	if !ok {
		t.Fatal("expected a state view")
	}
	zs := view.ZoneStates[5]
	if !zs.OverlayActive {
		t.Fatal("expected optimistic overlay to show as active")
	}
	if zs.TargetTemp == nil || zs.TargetTemp.Celsius != 23.5 {
		t.Fatalf("expected optimistic target 23.5, got %+v", zs.TargetTemp)
	}

	// The raw snapshot must stay untouched.
	snap, _ := e.Snapshot()
	if snap.ZoneStates[5].OverlayActive {
		t.Fatal("optimistic layer leaked into the published snapshot")
	}
}

func TestBulkResumeUsesOneCall(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.queue.Run(ctx)

	if err := e.runCycle(ctx, false); err != nil {
		t.Fatalf("runCycle: %v", err)
	}

	if err := e.QueueBulkResume(nil); err != nil {
		t.Fatalf("QueueBulkResume: %v", err)
	}
	waitApplied(t, client)

	if n := client.callCount("ClearBulkOverlays"); n != 1 {
		t.Fatalf("expected one bulk clear call, got %d", n)
	}
	if n := client.callCount("ClearZoneOverlay"); n != 0 {
		t.Fatalf("bulk resume must not issue per-zone calls, got %d", n)
	}
}

func TestManualPollRunsOnSchedulingLoop(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)

	// Wait for the initial cycle, then request a manual one.
	eventually(t, func() bool {
		_, ok := e.Snapshot()
		return ok
	}, "initial cycle never published")

	base := client.callCount("ZoneStates")
	if err := e.ManualPoll(ctx); err != nil {
		t.Fatalf("ManualPoll: %v", err)
	}
	if client.callCount("ZoneStates") != base+1 {
		t.Fatal("manual poll should run exactly one extra cycle")
	}
}

func TestFailedCycleStillSweepsExpiredOptimisticEntries(t *testing.T) {
	client := newFakeClient()
	e, err := New(Config{
		SlowPollInterval:  24 * time.Hour,
		ThrottleThreshold: 10,
		QuotaPercent:      80,
		Timezone:          "UTC",
		ResetMinute:       1,
		DebounceWindow:    20 * time.Millisecond,
		MinFloor:          15 * time.Second,
		OptimisticGrace:   10 * time.Millisecond,
	}, client, nil, metrics.NewCollector(), logger.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	e.store.Set("home", "presence", climatebridge.PresenceAway)
	time.Sleep(20 * time.Millisecond)

	client.setFailZoneStates(true)
	if err := e.runCycle(context.Background(), false); err == nil {
		t.Fatal("expected the cycle to fail")
	}
	if n := e.store.Len(); n != 0 {
		t.Fatalf("expired optimistic entries survived a failed cycle, len = %d", n)
	}
}

func TestQueuePresenceRejectsUnknownValue(t *testing.T) {
	client := newFakeClient()
	e := newTestEngine(t, client)

	if err := e.QueuePresence("SOMEWHERE"); !upstream.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := client.totalCalls(); n != 0 {
		t.Fatalf("expected no network calls, saw %d", n)
	}
}
