package engine

import (
	climatebridge "climate_bridge"
	"climate_bridge/internal/upstream"
)

// validateOverlay mirrors the server-side rules locally so a request that is
// guaranteed to be rejected never spends quota. Zone metadata refines the
// check when the slow track has run; before that, the payload's own declared
// type is all there is to go on.
func (e *Engine) validateOverlay(zoneID int, o climatebridge.Overlay) error {
	zoneType := o.Setting.Type
	supportsTemp := true
	if z, ok := e.fetcher.ZonesMeta()[zoneID]; ok {
		zoneType = z.Type
		supportsTemp = z.SupportsTemp
	}

	s := o.Setting
	if s.Power != climatebridge.PowerOn && s.Power != climatebridge.PowerOff {
		return &upstream.ValidationError{Reason: "power must be ON or OFF"}
	}
	if s.Power == climatebridge.PowerOff && s.Temperature != nil {
		return &upstream.ValidationError{Reason: "power OFF must not carry a temperature"}
	}

	switch zoneType {
	case climatebridge.ZoneTypeHeating:
		if s.Power == climatebridge.PowerOn && s.Temperature == nil {
			return &upstream.ValidationError{Reason: "heating overlay with power ON requires a temperature"}
		}
	case climatebridge.ZoneTypeAC:
		if s.Power == climatebridge.PowerOn {
			if s.Mode == "" {
				return &upstream.ValidationError{Reason: "air conditioning overlay with power ON requires a mode"}
			}
			if (s.Mode == "COOL" || s.Mode == "HEAT") && s.Temperature == nil {
				return &upstream.ValidationError{Reason: "mode " + s.Mode + " requires a temperature"}
			}
		}
	case climatebridge.ZoneTypeHotWater:
		if !supportsTemp && s.Temperature != nil {
			return &upstream.ValidationError{Reason: "hot water zone does not support a temperature setting"}
		}
	default:
		return &upstream.ValidationError{Reason: "unknown zone type " + zoneType}
	}

	if o.Termination.Type == climatebridge.TerminationTimer && o.Termination.DurationSeconds <= 0 {
		return &upstream.ValidationError{Reason: "timer termination requires a positive duration"}
	}
	return nil
}
