package models

// ErrorKind discriminates the failure taxonomy of spec §7. Every error
// that can cross the ControlApi boundary carries one of these.
type ErrorKind string

const (
	ErrDeviceUnreachable ErrorKind = "DeviceUnreachable"
	ErrAuthRejected      ErrorKind = "AuthRejected"
	ErrBusy              ErrorKind = "Busy"
	ErrAlreadyPaired     ErrorKind = "AlreadyPaired"
	ErrBlueZUnknown      ErrorKind = "BlueZUnknown"
	ErrAudioProfileFailed ErrorKind = "AudioProfileFailed"
	ErrSinkTimeout       ErrorKind = "SinkTimeout"
	ErrNoFreeMpdPort     ErrorKind = "NoFreeMpdPort"
	ErrMpdFailed         ErrorKind = "MpdFailed"
	ErrAdapterNotFound   ErrorKind = "AdapterNotFound"
	ErrAdapterNotPowered ErrorKind = "AdapterNotPowered"
	ErrStoreCorrupt      ErrorKind = "StoreCorrupt"
	ErrPulseUnavailable  ErrorKind = "PulseUnavailable"
	ErrDbusUnavailable   ErrorKind = "DbusUnavailable"
	ErrBadRequest        ErrorKind = "BadRequest"
	ErrNotFound          ErrorKind = "NotFound"
)

// CoreError is the structured error carried across every subsystem
// boundary named in spec §7: it always has a Kind plus a message tailored
// to that kind, and optionally the raw detail behind it (e.g. the exact
// BlueZ D-Bus error string).
type CoreError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *CoreError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

// NewCoreError builds a CoreError with the canonical user-facing message
// for its kind, unless msg overrides it.
func NewCoreError(kind ErrorKind, msg string, detail string) *CoreError {
	if msg == "" {
		msg = defaultMessage[kind]
	}
	return &CoreError{Kind: kind, Message: msg, Detail: detail}
}

var defaultMessage = map[ErrorKind]string{
	ErrDeviceUnreachable:  "Device did not respond — check it is powered on and in range",
	ErrAuthRejected:       "Device refused pairing — clear the speaker's paired list and try again",
	ErrBusy:               "Bluetooth adapter is busy with another operation",
	ErrAlreadyPaired:      "Device is already paired",
	ErrBlueZUnknown:       "Bluetooth stack reported an unexpected error",
	ErrAudioProfileFailed: "Could not activate the audio profile on this device",
	ErrSinkTimeout:        "Timed out waiting for the audio sink to appear",
	ErrNoFreeMpdPort:      "No free MPD port available (6600-6609 all in use)",
	ErrMpdFailed:          "The MPD player for this device failed repeatedly and was stopped",
	ErrAdapterNotFound:    "No usable Bluetooth adapter was found",
	ErrAdapterNotPowered:  "The selected Bluetooth adapter is not powered on",
	ErrStoreCorrupt:       "The device store on disk is corrupt",
	ErrPulseUnavailable:   "PulseAudio is unavailable",
	ErrDbusUnavailable:    "The system D-Bus is unavailable",
	ErrBadRequest:         "Invalid request",
	ErrNotFound:           "Not found",
}
