package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Stream modes understood by the orchestrator. Anything else is passed to
// the engine verbatim.
const (
	StreamModeValues   = "values"
	StreamModeUpdates  = "updates"
	StreamModeMessages = "messages"
)

// streamModeAliases maps alias mode names to their canonical form.
var streamModeAliases = map[string]string{
	"messages-tuple": StreamModeMessages,
}

// CanonicalStreamMode resolves stream mode aliases to their primary name.
func CanonicalStreamMode(mode string) string {
	if canonical, ok := streamModeAliases[mode]; ok {
		return canonical
	}
	return mode
}

// EventID builds an event id in the format {run_id}_event_{seq}.
func EventID(runID string, seq int) string {
	return fmt.Sprintf("%s_event_%d", runID, seq)
}

// EventSeq extracts the numeric sequence from an event id. Returns 0 when
// the id does not carry a parsable sequence, mirroring the replay contract
// where an unparsable cursor means "replay everything".
func EventSeq(eventID string) int {
	idx := strings.LastIndex(eventID, "_event_")
	if idx < 0 {
		return 0
	}
	seq, err := strconv.Atoi(eventID[idx+len("_event_"):])
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}
