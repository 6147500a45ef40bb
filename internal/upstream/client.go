package upstream

import (
	"context"

	climatebridge "climate_bridge"
)

// Client is the narrow contract the scheduling core depends on. The real
// implementation wraps the vendor HTTP API; everything version-specific about
// that API stays behind this interface and never leaks into the core.
//
// Every call may observe the server's rate-limit headers as a side channel;
// implementations must retain the most recent observation and expose it via
// RateLimit regardless of which call produced it.
type Client interface {
	ZoneStates(ctx context.Context) (map[int]climatebridge.ZoneState, error)
	HomeState(ctx context.Context) (climatebridge.HomeState, error)
	Zones(ctx context.Context) ([]climatebridge.Zone, error)
	Devices(ctx context.Context) ([]climatebridge.Device, error)
	DeviceOffset(ctx context.Context, serial string) (climatebridge.DeviceOffset, error)

	SetZoneOverlay(ctx context.Context, zoneID int, overlay climatebridge.Overlay) error
	ClearZoneOverlay(ctx context.Context, zoneID int) error
	SetBulkOverlays(ctx context.Context, overlays []climatebridge.ZoneOverlay) error
	ClearBulkOverlays(ctx context.Context, zoneIDs []int) error
	SetPresence(ctx context.Context, presence string) error
	SetDeviceOffset(ctx context.Context, serial string, celsius float64) error

	// RateLimit returns the last (limit, remaining) the server reported,
	// and false if no response has carried the headers yet.
	RateLimit() (climatebridge.RateLimit, bool)
}
