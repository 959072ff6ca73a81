package events

import "github.com/micro-nova/btaudiod/internal/models"

// Topic identifies one of the event kinds of spec §4.2.
type Topic string

const (
	TopicDevicesChanged        Topic = "devices_changed"
	TopicScanStarted           Topic = "scan_started"
	TopicScanFinished          Topic = "scan_finished"
	TopicStatus                Topic = "status"
	TopicAvrcpEvent            Topic = "avrcp_event"
	TopicMprisEvent            Topic = "mpris_event"
	TopicLogEntry              Topic = "log_entry"
	TopicAdapterSwitchRequired Topic = "adapter_switch_required"
)

// replayableTopics get a ring buffer so late subscribers can catch up
// (spec §4.2: avrcp_event/mpris_event rings of 50, log_entry ring of 500).
var replayableTopics = map[Topic]int{
	TopicAvrcpEvent: 50,
	TopicMprisEvent: 50,
	TopicLogEntry:   500,
}

// Event is one message on the bus: a topic plus its typed payload.
type Event struct {
	Topic   Topic       `json:"topic"`
	Payload interface{} `json:"payload"`
}

type DevicesChangedPayload struct {
	Devices []models.RuntimeDevice `json:"devices"`
}

type ScanStartedPayload struct {
	DurationS int `json:"duration_s"`
}

type ScanFinishedPayload struct {
	DurationS int    `json:"duration_s"`
	Error     string `json:"error,omitempty"`
}

// StatusPayload carries a short banner message, or nil (via Message == nil)
// to clear it.
type StatusPayload struct {
	Message *string `json:"message"`
}

type AvrcpEventPayload struct {
	Address  string      `json:"address"`
	Property string      `json:"property"`
	Value    interface{} `json:"value"`
}

type MprisEventPayload struct {
	Address *string `json:"address"`
	Command string  `json:"command"`
	Detail  string  `json:"detail,omitempty"`
}

type LogEntryPayload struct {
	MonotonicTS int64  `json:"ts"`
	Level       string `json:"level"`
	Logger      string `json:"logger"`
	Message     string `json:"message"`
}

type AdapterSwitchRequiredPayload struct {
	NewAdapter string `json:"new_adapter"`
}
