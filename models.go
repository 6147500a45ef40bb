package climate_bridge

import "time"

// Zone types as reported by the upstream API.
const (
	ZoneTypeHeating  = "HEATING"
	ZoneTypeAC       = "AIR_CONDITIONING"
	ZoneTypeHotWater = "HOT_WATER"
)

// Power states.
const (
	PowerOn  = "ON"
	PowerOff = "OFF"
)

// Presence values.
const (
	PresenceHome = "HOME"
	PresenceAway = "AWAY"
)

// API connection status, derived from the tracked quota.
const (
	StatusConnected   = "connected"
	StatusThrottled   = "throttled"
	StatusRateLimited = "rate_limited"
)

// RateLimit is a snapshot of the upstream daily call quota.
type RateLimit struct {
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Temperature carries a celsius value the way the upstream API encodes it.
type Temperature struct {
	Celsius float64 `json:"celsius"`
}

// OverlaySetting is the manual-override payload for one zone.
type OverlaySetting struct {
	Type        string       `json:"type"` // HEATING | AIR_CONDITIONING | HOT_WATER
	Power       string       `json:"power"`
	Mode        string       `json:"mode,omitempty"` // AC only: COOL | HEAT | DRY | FAN | AUTO
	Temperature *Temperature `json:"temperature,omitempty"`
}

// Termination modes for an overlay.
const (
	TerminationManual        = "MANUAL"
	TerminationTimer         = "TIMER"
	TerminationNextTimeBlock = "NEXT_TIME_BLOCK"
)

// OverlayTermination describes when a manual override ends.
type OverlayTermination struct {
	Type            string `json:"type"`
	DurationSeconds int    `json:"durationInSeconds,omitempty"`
}

// Overlay is a complete override request: what to set and until when.
type Overlay struct {
	Setting     OverlaySetting     `json:"setting"`
	Termination OverlayTermination `json:"termination"`
}

// ZoneOverlay pairs an overlay with its target zone for bulk calls.
type ZoneOverlay struct {
	ZoneID  int     `json:"room"`
	Overlay Overlay `json:"overlay"`
}

// ZoneState is the live state of one zone, refreshed on the fast track.
type ZoneState struct {
	ZoneID        int          `json:"zone_id"`
	Power         string       `json:"power"`
	InsideTempC   float64      `json:"inside_temp_c"`
	Humidity      float64      `json:"humidity"`
	TargetTemp    *Temperature `json:"target_temp,omitempty"`
	OverlayActive bool         `json:"overlay_active"`
	Mode          string       `json:"mode,omitempty"`
}

// HomeState is the home-level occupancy state.
type HomeState struct {
	Presence       string `json:"presence"` // HOME | AWAY
	PresenceLocked bool   `json:"presence_locked"`
}

// Zone is structural metadata, refreshed on the slow track.
type Zone struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	SupportsTemp bool   `json:"supports_temp"` // hot water without OpenTherm: false
}

// Device is hardware metadata, refreshed on the slow track.
type Device struct {
	Serial       string `json:"serial"`
	Type         string `json:"type"`
	BatteryState string `json:"battery_state,omitempty"`
	MeasuresTemp bool   `json:"measures_temp"` // eligible for a calibration offset
}

// DeviceOffset is a per-device temperature calibration value.
type DeviceOffset struct {
	Serial  string  `json:"serial"`
	Celsius float64 `json:"celsius"`
}

// Snapshot is the composed view handed to the host after each poll cycle.
type Snapshot struct {
	ZoneStates map[int]ZoneState       `json:"zone_states"`
	HomeState  *HomeState              `json:"home_state,omitempty"`
	Zones      map[int]Zone            `json:"zones"`
	Devices    map[string]Device       `json:"devices"`
	Offsets    map[string]DeviceOffset `json:"offsets"`
	RateLimit  RateLimit               `json:"rate_limit"`
	APIStatus  string                  `json:"api_status"`
	FetchedAt  time.Time               `json:"fetched_at"`
}

// CommandEvent is one audit-log entry for a dispatched command.
type CommandEvent struct {
	EventID    string    `json:"event_id"`
	BatchID    string    `json:"batch_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"` // overlay | resume | presence | offset
	Key        string    `json:"key"`
	Succeeded  bool      `json:"succeeded"`
	Detail     string    `json:"detail,omitempty"`
}

// QuotaSnapshot is the persisted view of the quota tracker, written after
// each poll cycle and loaded at startup so a restart does not fall back to
// the initial guess.
type QuotaSnapshot struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	PollCost  float64   `json:"poll_cost"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a host API account.
type User struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}
