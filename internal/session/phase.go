package session

// Phase is the stage of the upload/compress/download cycle a session is in
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseParametersSet Phase = "parameters-set"
	PhaseCompressing   Phase = "compressing"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
)

// Event is a user action or collaborator outcome that may move the phase
type Event string

const (
	EventSelect            Event = "select"
	EventCompressStart     Event = "compress-start"
	EventCompressSucceeded Event = "compress-succeeded"
	EventCompressFailed    Event = "compress-failed"
	EventDownload          Event = "download"
)

var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventSelect: PhaseParametersSet,
	},
	PhaseParametersSet: {
		EventSelect:        PhaseParametersSet,
		EventCompressStart: PhaseCompressing,
	},
	PhaseCompressing: {
		// A new image supersedes the running compression; its result is dropped.
		EventSelect:            PhaseParametersSet,
		EventCompressSucceeded: PhaseReady,
		EventCompressFailed:    PhaseError,
	},
	PhaseReady: {
		EventSelect:        PhaseParametersSet,
		EventCompressStart: PhaseCompressing,
		EventDownload:      PhaseReady,
	},
	PhaseError: {
		EventSelect:        PhaseParametersSet,
		EventCompressStart: PhaseCompressing,
	},
}

// Next returns the phase reached from `from` on ev. ok is false when the event
// is not accepted in that phase.
func Next(from Phase, ev Event) (to Phase, ok bool) {
	to, ok = transitions[from][ev]
	if !ok {
		return from, false
	}
	return to, true
}
