// Package engine composes the quota tracker, the adaptive scheduler, the
// data fetcher, the command queue and the optimistic store into the single
// poll-and-dispatch loop the host talks to.
package engine

import (
	"context"
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	climatebridge "climate_bridge"
	"climate_bridge/internal/commands"
	"climate_bridge/internal/fetcher"
	"climate_bridge/internal/logger"
	"climate_bridge/internal/metrics"
	"climate_bridge/internal/optimistic"
	"climate_bridge/internal/quota"
	"climate_bridge/internal/repository"
	"climate_bridge/internal/upstream"
)

// Config carries every host-supplied setting the engine consumes.
type Config struct {
	FastPollInterval            time.Duration // fixed interval; 0 with QuotaPercent 0 disables scheduled polling
	SlowPollInterval            time.Duration
	OffsetPollInterval          time.Duration // 0 disables the periodic offset track
	ThrottleThreshold           int           // 0 disables throttling
	QuotaPercent                int           // 0 disables adaptive scheduling
	Timezone                    string
	ResetHour                   int
	ResetMinute                 int
	ReducedWindow               *quota.ReducedWindow
	DebounceWindow              time.Duration
	MinFloor                    time.Duration
	OptimisticGrace             time.Duration
	DisablePollingWhenThrottled bool
}

// Engine owns the poll loop goroutine and the command worker goroutine.
// State shared with HTTP handlers sits behind mu; everything that talks to
// the upstream holds pollMu, which is what makes a scheduled cycle, a manual
// cycle and a post-batch confirmation mutually exclusive.
type Engine struct {
	cfg       Config
	client    upstream.Client
	tracker   *quota.Tracker
	scheduler *quota.Scheduler
	fetcher   *fetcher.Fetcher
	queue     *commands.Queue
	store     *optimistic.Store
	collector *metrics.Collector
	repo      *repository.Repository
	log       *logger.Logger

	pollMu sync.Mutex // serializes upstream access

	mu          sync.Mutex // guards the fields below
	snapshot    climatebridge.Snapshot
	hasSnapshot bool
	interval    time.Duration
	subscribers map[chan climatebridge.Snapshot]struct{}

	pollReq chan chan error
}

// New wires the engine. The quota tracker is seeded from the last persisted
// snapshot when one exists, so a restart resumes from the learned remaining
// count instead of the pessimistic initial guess.
func New(cfg Config, client upstream.Client, repo *repository.Repository, collector *metrics.Collector, log *logger.Logger) (*Engine, error) {
	sched, err := quota.NewScheduler(cfg.Timezone, cfg.ResetHour, cfg.ResetMinute, cfg.QuotaPercent, cfg.MinFloor, cfg.ReducedWindow)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		client:      client,
		tracker:     quota.NewTracker(cfg.ThrottleThreshold),
		scheduler:   sched,
		fetcher:     fetcher.New(client, log.Named("fetcher"), cfg.SlowPollInterval, cfg.OffsetPollInterval),
		store:       optimistic.NewStore(cfg.OptimisticGrace),
		collector:   collector,
		repo:        repo,
		log:         log,
		subscribers: make(map[chan climatebridge.Snapshot]struct{}),
		pollReq:     make(chan chan error),
	}
	e.queue = commands.New(cfg.DebounceWindow, e.executeCommand, e.onBatchDone, log.Named("commands"))

	if repo != nil {
		e.seedFromSnapshot()
	}
	return e, nil
}

func (e *Engine) seedFromSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	s, err := e.repo.SnapshotRepo.Load(ctx)
	if err != nil {
		if !errors.Is(err, repository.ErrNoSnapshot) {
			e.log.Warnw("quota snapshot load failed", "err", err)
		}
		return
	}
	// Stale snapshots from before the last reset would understate remaining;
	// the first cycle's headers correct that within one poll either way.
	e.tracker.Seed(climatebridge.RateLimit{Limit: s.Limit, Remaining: s.Remaining})
	if s.PollCost > 0 {
		e.tracker.ObservePollCost(s.PollCost)
	}
	e.log.Infow("quota tracker seeded from persisted snapshot",
		"remaining", s.Remaining, "limit", s.Limit, "age", time.Since(s.UpdatedAt).Round(time.Second))
}

// Run starts the command worker and drives scheduled poll cycles until ctx
// is canceled. It blocks; callers run it in a goroutine.
func (e *Engine) Run(ctx context.Context) {
	go e.queue.Run(ctx)

	// First cycle immediately, so the host has data and the tracker has
	// headers before any interval math matters.
	if err := e.runCycle(ctx, false); err != nil {
		e.log.Errorw("initial poll cycle failed", "err", err)
	}

	timer := time.NewTimer(e.nextInterval())
	defer timer.Stop()

	resetTimer := time.NewTimer(e.untilResetPoll())
	defer resetTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timer.C:
			if e.skipWhileThrottled() {
				e.log.Debugw("scheduled poll suppressed while throttled")
			} else if err := e.runCycle(ctx, false); err != nil {
				e.log.Errorw("scheduled poll cycle failed", "err", err)
			}
			timer.Reset(e.nextInterval())

		case reply := <-e.pollReq:
			e.fetcher.Invalidate()
			err := e.runCycle(ctx, true)
			reply <- err
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.nextInterval())

		case <-resetTimer.C:
			// Forced poll shortly after the daily reset to re-learn headers,
			// even when throttled polling suppression is on.
			if err := e.runCycle(ctx, true); err != nil {
				e.log.Errorw("reset poll cycle failed", "err", err)
			}
			resetTimer.Reset(e.untilResetPoll())
		}
	}
}

// skipWhileThrottled reports whether a scheduled cycle should be suppressed.
func (e *Engine) skipWhileThrottled() bool {
	return e.cfg.DisablePollingWhenThrottled && e.tracker.IsThrottled()
}

// untilResetPoll returns the wait until one minute past the next daily reset.
func (e *Engine) untilResetPoll() time.Duration {
	return time.Until(e.scheduler.NextReset(time.Now())) + time.Minute
}

// nextInterval picks the wait before the next scheduled cycle: adaptive when
// a quota percentage is configured, the fixed fast interval otherwise. With
// neither configured, scheduled polling is effectively off.
func (e *Engine) nextInterval() time.Duration {
	var iv time.Duration
	switch {
	case e.cfg.QuotaPercent > 0:
		iv = e.scheduler.Interval(time.Now(), e.tracker.RateLimit(), e.tracker.Threshold(),
			e.fetcher.ReservedDailyCost(), e.tracker.PollCost())
	case e.cfg.FastPollInterval > 0:
		iv = e.cfg.FastPollInterval
	default:
		iv = 24 * time.Hour
	}

	e.mu.Lock()
	e.interval = iv
	e.mu.Unlock()
	e.collector.SetPollInterval(iv.Seconds())
	return iv
}

// runCycle performs one fetch cycle and the post-cycle bookkeeping: header
// re-sync, cost observation, optimistic sweep, snapshot publication and
// quota persistence. forced means manual or reset-time, which bypasses
// throttled suppression by construction.
func (e *Engine) runCycle(ctx context.Context, forced bool) error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	before := e.tracker.RateLimit()

	snap, err := e.fetcher.FetchCycle(ctx)

	// Headers are a side channel on every call, including failed cycles.
	e.syncHeaders()

	// Expired optimistic entries are reaped every cycle, successful or not.
	e.store.Sweep()

	if err != nil {
		e.collector.RecordPoll("error")
		if errors.Is(err, upstream.ErrAuth) {
			e.log.Errorw("authentication rejected, re-authentication required", "forced", forced)
		}
		// Previous snapshot stays published, stale but available.
		return err
	}

	after := e.tracker.RateLimit()
	if consumed := before.Remaining - after.Remaining; consumed > 0 && before.Remaining > 0 {
		e.tracker.ObservePollCost(float64(consumed))
	} else if _, ok := e.client.RateLimit(); !ok {
		// No headers at all yet: account for the cycle locally.
		e.tracker.Decrement(int(math.Round(e.tracker.PollCost())))
	}

	snap.RateLimit = e.tracker.RateLimit()
	snap.APIStatus = e.tracker.Status()
	e.publish(snap)

	e.collector.RecordPoll("ok")
	e.collector.SetPollCost(e.tracker.PollCost())
	e.persistQuota(ctx)
	return nil
}

// syncHeaders folds the client's latest rate-limit observation into the
// tracker and pushes the result to metrics.
func (e *Engine) syncHeaders() {
	if rl, ok := e.client.RateLimit(); ok {
		e.tracker.SyncFromObserved(rl)
	}
	rl := e.tracker.RateLimit()
	e.collector.SetQuota(rl.Remaining, rl.Limit)
	e.collector.SetAPIStatus(e.tracker.Status())
}

// publish stores the snapshot and fans it out to websocket subscribers.
func (e *Engine) publish(snap climatebridge.Snapshot) {
	e.mu.Lock()
	e.snapshot = snap
	e.hasSnapshot = true
	subs := make([]chan climatebridge.Snapshot, 0, len(e.subscribers))
	for ch := range e.subscribers {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default: // slow subscriber drops a frame, never blocks the loop
		}
	}
}

func (e *Engine) persistQuota(ctx context.Context) {
	if e.repo == nil {
		return
	}
	rl := e.tracker.RateLimit()
	err := e.repo.SnapshotRepo.Save(ctx, climatebridge.QuotaSnapshot{
		Remaining: rl.Remaining,
		Limit:     rl.Limit,
		PollCost:  e.tracker.PollCost(),
	})
	if err != nil {
		e.log.Warnw("quota snapshot save failed", "err", err)
	}
}

// ManualPoll invalidates the cache and runs one immediate cycle on the
// scheduling goroutine, so it can never overlap a scheduled cycle.
func (e *Engine) ManualPoll(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case e.pollReq <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns connected, throttled or rate_limited.
func (e *Engine) Status() string { return e.tracker.Status() }

// CurrentRateLimit returns the tracked (limit, remaining) estimate.
func (e *Engine) CurrentRateLimit() climatebridge.RateLimit { return e.tracker.RateLimit() }

// CurrentInterval returns the interval chosen for the next scheduled poll.
func (e *Engine) CurrentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Snapshot returns the last successful cycle's data.
func (e *Engine) Snapshot() (climatebridge.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot, e.hasSnapshot
}

// Subscribe registers a channel that receives every published snapshot.
// Slow receivers miss frames rather than stalling the poll loop.
func (e *Engine) Subscribe() chan climatebridge.Snapshot {
	ch := make(chan climatebridge.Snapshot, 4)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (e *Engine) Unsubscribe(ch chan climatebridge.Snapshot) {
	e.mu.Lock()
	delete(e.subscribers, ch)
	e.mu.Unlock()
}

// SetOptimistic records a host-side provisional value.
func (e *Engine) SetOptimistic(scope, key string, value any) {
	e.store.Set(scope, key, value)
}

// GetOptimistic returns a provisional value if it is still within grace.
func (e *Engine) GetOptimistic(scope, key string) (any, bool) {
	return e.store.Get(scope, key)
}

// executeCommand is the queue's executor: one upstream call per command.
func (e *Engine) executeCommand(ctx context.Context, batchID string, cmd climatebridge.Command) error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	var err error
	switch cmd.Kind {
	case climatebridge.CommandSetOverlay:
		err = e.client.SetZoneOverlay(ctx, cmd.ZoneID, *cmd.Overlay)
	case climatebridge.CommandResumeSchedule:
		err = e.client.ClearZoneOverlay(ctx, cmd.ZoneID)
	case climatebridge.CommandSetPresence:
		err = e.client.SetPresence(ctx, cmd.Presence)
	case climatebridge.CommandSetOffset:
		err = e.client.SetDeviceOffset(ctx, cmd.Serial, cmd.Offset)
	case climatebridge.CommandBulkOverlay:
		overlays := make([]climatebridge.ZoneOverlay, 0, len(cmd.ZoneIDs))
		for _, id := range cmd.ZoneIDs {
			overlays = append(overlays, climatebridge.ZoneOverlay{ZoneID: id, Overlay: *cmd.Overlay})
		}
		err = e.client.SetBulkOverlays(ctx, overlays)
	case climatebridge.CommandBulkResume:
		err = e.client.ClearBulkOverlays(ctx, cmd.ZoneIDs)
	}

	e.collector.RecordCommand(cmd.Kind.String(), err == nil)
	e.recordEvent(ctx, batchID, cmd, err)
	return err
}

func (e *Engine) recordEvent(ctx context.Context, batchID string, cmd climatebridge.Command, cmdErr error) {
	if e.repo == nil {
		return
	}
	ev := climatebridge.CommandEvent{
		BatchID:   batchID,
		Kind:      cmd.Kind.String(),
		Key:       cmd.DedupeKey(),
		Succeeded: cmdErr == nil,
	}
	if cmdErr != nil {
		ev.Detail = cmdErr.Error()
	}
	if err := e.repo.EventRepo.Append(ctx, ev); err != nil {
		e.log.Warnw("command event append failed", "err", err)
	}
}

// onBatchDone runs after the dispatch queue drains. While rate limited or
// throttled the confirmation re-fetch is suppressed and the commands'
// quota spend is accounted for locally; otherwise only the domains the batch
// touched are refreshed.
func (e *Engine) onBatchDone(ctx context.Context, res commands.BatchResult) {
	e.collector.RecordBatch(res.Dispatched)

	e.syncHeaders()
	if e.tracker.IsThrottled() {
		// Headers predate the batch's own spend, so the commands are
		// charged against the local estimate.
		e.tracker.Decrement(res.Dispatched)
		e.log.Infow("confirmation refresh suppressed", "status", e.tracker.Status(), "batch", res.BatchID)
		return
	}

	e.pollMu.Lock()
	defer e.pollMu.Unlock()

	e.mu.Lock()
	snap := e.snapshot
	has := e.hasSnapshot
	e.mu.Unlock()
	if !has {
		return
	}

	if res.Touched[climatebridge.DomainZone] {
		if states, err := e.fetcher.FetchZoneStates(ctx); err != nil {
			e.log.Warnw("zone confirmation refresh failed", "err", err)
		} else {
			snap.ZoneStates = states
		}
	}
	if res.Touched[climatebridge.DomainPresence] {
		if hs, err := e.fetcher.FetchHomeState(ctx); err != nil {
			e.log.Warnw("presence confirmation refresh failed", "err", err)
		} else {
			snap.HomeState = &hs
		}
	}
	if res.Touched[climatebridge.DomainDevice] {
		// Calibration reads are expensive; fold them into the next cycle.
		e.fetcher.InvalidateOffsets()
	}

	e.syncHeaders()
	snap.RateLimit = e.tracker.RateLimit()
	snap.APIStatus = e.tracker.Status()
	snap.FetchedAt = time.Now()
	e.publish(snap)
	e.persistQuota(ctx)
}

// QueueOverlay validates and queues a manual override for one zone. The
// validation failure path never reaches the network.
func (e *Engine) QueueOverlay(zoneID int, overlay climatebridge.Overlay) error {
	if err := e.validateOverlay(zoneID, overlay); err != nil {
		return err
	}
	o := overlay
	e.store.Set(zoneScope(zoneID), "overlay", &o)
	e.queue.Enqueue(climatebridge.Command{
		Kind:    climatebridge.CommandSetOverlay,
		Domain:  climatebridge.DomainZone,
		ZoneID:  zoneID,
		Overlay: &o,
	})
	return nil
}

// QueueResume queues a return to the automatic schedule for one zone.
func (e *Engine) QueueResume(zoneID int) error {
	e.store.Set(zoneScope(zoneID), "overlay", (*climatebridge.Overlay)(nil))
	e.queue.Enqueue(climatebridge.Command{
		Kind:   climatebridge.CommandResumeSchedule,
		Domain: climatebridge.DomainZone,
		ZoneID: zoneID,
	})
	return nil
}

// QueuePresence queues a home/away change.
func (e *Engine) QueuePresence(presence string) error {
	if presence != climatebridge.PresenceHome && presence != climatebridge.PresenceAway {
		return &upstream.ValidationError{Reason: "presence must be HOME or AWAY"}
	}
	e.store.Set("home", "presence", presence)
	e.queue.Enqueue(climatebridge.Command{
		Kind:     climatebridge.CommandSetPresence,
		Domain:   climatebridge.DomainPresence,
		Presence: presence,
	})
	return nil
}

// QueueOffset queues a calibration offset write for one device.
func (e *Engine) QueueOffset(serial string, celsius float64) error {
	if serial == "" {
		return &upstream.ValidationError{Reason: "device serial is required"}
	}
	if math.Abs(celsius) > 10 {
		return &upstream.ValidationError{Reason: "offset must be within ±10°C"}
	}
	if d, ok := e.fetcher.DevicesMeta()[serial]; ok && !d.MeasuresTemp {
		return &upstream.ValidationError{Reason: "device does not measure temperature"}
	}
	e.queue.Enqueue(climatebridge.Command{
		Kind:   climatebridge.CommandSetOffset,
		Domain: climatebridge.DomainDevice,
		Serial: serial,
		Offset: celsius,
	})
	return nil
}

// QueueBulkOverlay validates and queues one overlay applied to every given
// zone as a single bulk call. With no explicit zones, all heating zones from
// the current metadata are targeted.
func (e *Engine) QueueBulkOverlay(zoneIDs []int, overlay climatebridge.Overlay) error {
	if len(zoneIDs) == 0 {
		zoneIDs = e.heatingZoneIDs()
	}
	if len(zoneIDs) == 0 {
		return &upstream.ValidationError{Reason: "no target zones known"}
	}
	for _, id := range zoneIDs {
		if err := e.validateOverlay(id, overlay); err != nil {
			return err
		}
	}
	o := overlay
	for _, id := range zoneIDs {
		e.store.Set(zoneScope(id), "overlay", &o)
	}
	e.queue.Enqueue(climatebridge.Command{
		Kind:    climatebridge.CommandBulkOverlay,
		Domain:  climatebridge.DomainZone,
		ZoneIDs: zoneIDs,
		Overlay: &o,
	})
	return nil
}

// QueueBulkResume queues a resume-schedule for every given zone, defaulting
// to all heating zones, as a single bulk call.
func (e *Engine) QueueBulkResume(zoneIDs []int) error {
	if len(zoneIDs) == 0 {
		zoneIDs = e.heatingZoneIDs()
	}
	if len(zoneIDs) == 0 {
		return &upstream.ValidationError{Reason: "no target zones known"}
	}
	for _, id := range zoneIDs {
		e.store.Set(zoneScope(id), "overlay", (*climatebridge.Overlay)(nil))
	}
	e.queue.Enqueue(climatebridge.Command{
		Kind:    climatebridge.CommandBulkResume,
		Domain:  climatebridge.DomainZone,
		ZoneIDs: zoneIDs,
	})
	return nil
}

func (e *Engine) heatingZoneIDs() []int {
	var out []int
	for id, z := range e.fetcher.ZonesMeta() {
		if z.Type == climatebridge.ZoneTypeHeating {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// StateView returns the last snapshot with still-live optimistic values
// layered on top, which is what the host UI should render.
func (e *Engine) StateView() (climatebridge.Snapshot, bool) {
	snap, ok := e.Snapshot()
	if !ok {
		return snap, false
	}

	states := make(map[int]climatebridge.ZoneState, len(snap.ZoneStates))
	for id, zs := range snap.ZoneStates {
		if v, live := e.store.Get(zoneScope(id), "overlay"); live {
			applyOptimisticOverlay(&zs, v)
		}
		states[id] = zs
	}
	snap.ZoneStates = states

	if v, live := e.store.Get("home", "presence"); live {
		if p, isStr := v.(string); isStr {
			hs := climatebridge.HomeState{Presence: p}
			if snap.HomeState != nil {
				hs.PresenceLocked = snap.HomeState.PresenceLocked
			}
			snap.HomeState = &hs
		}
	}
	return snap, true
}

func applyOptimisticOverlay(zs *climatebridge.ZoneState, v any) {
	o, ok := v.(*climatebridge.Overlay)
	if !ok {
		return
	}
	if o == nil {
		// A queued resume: show the schedule as authoritative again.
		zs.OverlayActive = false
		return
	}
	zs.OverlayActive = true
	zs.Power = o.Setting.Power
	zs.Mode = o.Setting.Mode
	if o.Setting.Temperature != nil {
		t := *o.Setting.Temperature
		zs.TargetTemp = &t
	}
}

func zoneScope(zoneID int) string {
	return "zone:" + strconv.Itoa(zoneID)
}
