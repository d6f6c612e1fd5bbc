package process

// Stream names used by OutputEvent.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is one item of a process's ordered event feed. For a single process
// the feed is exactly one ProcessStartedEvent, zero or more OutputEvents in
// per-stream arrival order, and one ProcessCompletedEvent emitted only after
// all output produced before process death has been delivered.
type Event interface {
	isEvent()
}

// ProcessStartedEvent signals a confirmed launch.
type ProcessStartedEvent struct {
	Command string
}

// OutputEvent carries one chunk of output the instant it was read.
type OutputEvent struct {
	Stream string
	Data   string
}

// ProcessCompletedEvent signals the terminal transition.
type ProcessCompletedEvent struct {
	ExitCode int
}

func (ProcessStartedEvent) isEvent()   {}
func (OutputEvent) isEvent()           {}
func (ProcessCompletedEvent) isEvent() {}

// EventSink receives a process's events. Sinks are invoked from the stdout
// and stderr pumps concurrently and must be safe for concurrent use.
type EventSink func(Event)
