package climate_bridge

import "strconv"

// CommandKind enumerates the closed set of outbound command variants.
// Dispatch sites switch over this exhaustively; there is no generic
// "type string" escape hatch.
type CommandKind int

const (
	CommandSetOverlay CommandKind = iota
	CommandResumeSchedule
	CommandSetPresence
	CommandSetOffset
	CommandBulkOverlay
	CommandBulkResume
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetOverlay:
		return "overlay"
	case CommandResumeSchedule:
		return "resume"
	case CommandSetPresence:
		return "presence"
	case CommandSetOffset:
		return "offset"
	case CommandBulkOverlay:
		return "bulk_overlay"
	case CommandBulkResume:
		return "bulk_resume"
	}
	return "unknown"
}

// CommandDomain classifies which slice of state a command touches, so the
// post-batch confirmation refresh can be limited to what actually changed.
type CommandDomain int

const (
	DomainZone CommandDomain = iota
	DomainPresence
	DomainDevice
)

func (d CommandDomain) String() string {
	switch d {
	case DomainZone:
		return "zone"
	case DomainPresence:
		return "presence"
	case DomainDevice:
		return "device"
	}
	return "unknown"
}

// Command is one caller intent. Exactly one payload shape is meaningful per
// Kind: Overlay for CommandSetOverlay and CommandBulkOverlay, Presence for
// CommandSetPresence, Offset for CommandSetOffset; CommandResumeSchedule
// carries only ZoneID and CommandBulkResume only ZoneIDs.
type Command struct {
	Kind     CommandKind
	Domain   CommandDomain
	ZoneID   int
	ZoneIDs  []int
	Serial   string
	Overlay  *Overlay
	Presence string
	Offset   float64
}

// DedupeKey returns the debounce key: a later command with the same key
// replaces an earlier one that has not yet been batched.
func (c Command) DedupeKey() string {
	switch c.Kind {
	case CommandSetOverlay, CommandResumeSchedule:
		return "zone_" + strconv.Itoa(c.ZoneID)
	case CommandSetPresence:
		return "presence"
	case CommandSetOffset:
		return "offset_" + c.Serial
	case CommandBulkOverlay:
		return "bulk_overlay"
	case CommandBulkResume:
		return "bulk_resume"
	}
	return "unknown"
}
