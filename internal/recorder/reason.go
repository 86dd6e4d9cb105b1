package recorder

import (
	"fmt"

	"github.com/audiolibrelab/streamcapture/internal/locator"
)

// State is the lifecycle position of a session.
type State string

const (
	StateCreating  State = "CREATING"
	StateRecording State = "RECORDING"
	StateEnded     State = "ENDED"
)

// Reason says why a session ended.
type Reason string

const (
	StoppedByUser           Reason = "STOPPED_BY_USER"
	RoomNotLive             Reason = "ROOM_NOT_LIVE"
	ResolutionFailed        Reason = "RESOLUTION_FAILED"
	ProcessError            Reason = "PROCESS_ERROR"
	ProcessFinishedNormally Reason = "PROCESS_FINISHED_NORMALLY"
)

// IsFailure reports whether r should be treated as an error by callers.
// A room that is not live and a requested stop are expected outcomes.
func (r Reason) IsFailure() bool {
	return r == ResolutionFailed || r == ProcessError
}

// StartError is returned by Start when no process was launched. Reason says
// which terminal state the attempt reached.
type StartError struct {
	Reason Reason
	Room   *locator.RoomInfo
	Err    error
}

func (e *StartError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
