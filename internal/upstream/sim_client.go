package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	climatebridge "climate_bridge"
)

// Simulation constants.
const (
	simAmbientC       = 21.0
	simDriftCPerMin   = 0.2 // drift toward ambient per minute without an overlay
	simDefaultLimit   = 100
	simDefaultZoneCnt = 3
)

// SimClient is an in-process stand-in for the vendor API. It serves local
// runs and tests: zones drift toward ambient, overlays pin the target, and a
// synthetic daily quota counts down on every call so the scheduling core can
// be exercised end to end without network access.
type SimClient struct {
	mu sync.Mutex

	zones    map[int]climatebridge.Zone
	devices  map[string]climatebridge.Device
	states   map[int]climatebridge.ZoneState
	offsets  map[string]climatebridge.DeviceOffset
	presence string

	limit     int
	remaining int
	lastTouch time.Time
}

// NewSimClient builds a simulated home with a few heating zones and one
// hot water zone.
func NewSimClient() *SimClient {
	c := &SimClient{
		zones:     make(map[int]climatebridge.Zone),
		devices:   make(map[string]climatebridge.Device),
		states:    make(map[int]climatebridge.ZoneState),
		offsets:   make(map[string]climatebridge.DeviceOffset),
		presence:  climatebridge.PresenceHome,
		limit:     simDefaultLimit,
		remaining: simDefaultLimit,
		lastTouch: time.Now(),
	}
	for i := 1; i <= simDefaultZoneCnt; i++ {
		c.zones[i] = climatebridge.Zone{
			ID:           i,
			Name:         fmt.Sprintf("Room %d", i),
			Type:         climatebridge.ZoneTypeHeating,
			SupportsTemp: true,
		}
		c.states[i] = climatebridge.ZoneState{
			ZoneID:      i,
			Power:       climatebridge.PowerOn,
			InsideTempC: simAmbientC,
			Humidity:    45,
		}
		serial := fmt.Sprintf("VA%04d", i)
		c.devices[serial] = climatebridge.Device{
			Serial:       serial,
			Type:         "VALVE",
			BatteryState: "NORMAL",
			MeasuresTemp: true,
		}
		c.offsets[serial] = climatebridge.DeviceOffset{Serial: serial}
	}
	hw := simDefaultZoneCnt + 1
	c.zones[hw] = climatebridge.Zone{ID: hw, Name: "Hot Water", Type: climatebridge.ZoneTypeHotWater}
	c.states[hw] = climatebridge.ZoneState{ZoneID: hw, Power: climatebridge.PowerOn}
	return c
}

// spend models one quota unit per API call and advances the simulation clock.
func (c *SimClient) spend() {
	if c.remaining > 0 {
		c.remaining--
	}
	now := time.Now()
	minutes := now.Sub(c.lastTouch).Minutes()
	if minutes > 0 {
		for id, st := range c.states {
			if st.OverlayActive || st.InsideTempC == simAmbientC {
				continue
			}
			delta := simDriftCPerMin * minutes
			if st.InsideTempC > simAmbientC {
				st.InsideTempC = max(simAmbientC, st.InsideTempC-delta)
			} else {
				st.InsideTempC = min(simAmbientC, st.InsideTempC+delta)
			}
			c.states[id] = st
		}
	}
	c.lastTouch = now
}

func (c *SimClient) ZoneStates(_ context.Context) (map[int]climatebridge.ZoneState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	out := make(map[int]climatebridge.ZoneState, len(c.states))
	for id, st := range c.states {
		out[id] = st
	}
	return out, nil
}

func (c *SimClient) HomeState(_ context.Context) (climatebridge.HomeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	return climatebridge.HomeState{Presence: c.presence}, nil
}

func (c *SimClient) Zones(_ context.Context) ([]climatebridge.Zone, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	out := make([]climatebridge.Zone, 0, len(c.zones))
	for _, z := range c.zones {
		out = append(out, z)
	}
	return out, nil
}

func (c *SimClient) Devices(_ context.Context) ([]climatebridge.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	out := make([]climatebridge.Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out, nil
}

func (c *SimClient) DeviceOffset(_ context.Context, serial string) (climatebridge.DeviceOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	off, ok := c.offsets[serial]
	if !ok {
		return climatebridge.DeviceOffset{}, fmt.Errorf("%w: unknown device %s", ErrConnection, serial)
	}
	return off, nil
}

func (c *SimClient) SetZoneOverlay(_ context.Context, zoneID int, overlay climatebridge.Overlay) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	st, ok := c.states[zoneID]
	if !ok {
		return fmt.Errorf("%w: unknown zone %d", ErrConnection, zoneID)
	}
	st.OverlayActive = true
	st.Power = overlay.Setting.Power
	st.Mode = overlay.Setting.Mode
	st.TargetTemp = overlay.Setting.Temperature
	c.states[zoneID] = st
	return nil
}

func (c *SimClient) ClearZoneOverlay(_ context.Context, zoneID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	st, ok := c.states[zoneID]
	if !ok {
		return fmt.Errorf("%w: unknown zone %d", ErrConnection, zoneID)
	}
	st.OverlayActive = false
	st.TargetTemp = nil
	st.Power = climatebridge.PowerOn
	c.states[zoneID] = st
	return nil
}

func (c *SimClient) SetBulkOverlays(ctx context.Context, overlays []climatebridge.ZoneOverlay) error {
	for _, zo := range overlays {
		if err := c.SetZoneOverlay(ctx, zo.ZoneID, zo.Overlay); err != nil {
			return err
		}
	}
	return nil
}

func (c *SimClient) ClearBulkOverlays(ctx context.Context, zoneIDs []int) error {
	for _, id := range zoneIDs {
		if err := c.ClearZoneOverlay(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *SimClient) SetPresence(_ context.Context, presence string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	c.presence = presence
	return nil
}

func (c *SimClient) SetDeviceOffset(_ context.Context, serial string, celsius float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spend()
	if _, ok := c.offsets[serial]; !ok {
		return fmt.Errorf("%w: unknown device %s", ErrConnection, serial)
	}
	c.offsets[serial] = climatebridge.DeviceOffset{Serial: serial, Celsius: celsius}
	return nil
}

func (c *SimClient) RateLimit() (climatebridge.RateLimit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return climatebridge.RateLimit{Limit: c.limit, Remaining: c.remaining}, true
}

// ResetQuota restores the synthetic quota, mimicking the daily server reset.
func (c *SimClient) ResetQuota() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = c.limit
}
