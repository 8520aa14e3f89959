package supervisor

import "time"

// EventType names a lifecycle event.
type EventType string

const (
	EventStarted       EventType = "started"
	EventCrashed       EventType = "crashed"
	EventRestarting    EventType = "restarting"
	EventStopped       EventType = "stopped"
	EventUnrecoverable EventType = "unrecoverable"
)

// Event reports a lifecycle change. ExitCode is -1 when unknown.
type Event struct {
	Backend    string
	Type       EventType
	Generation uint64
	Host       string
	Port       int
	PID        int
	Attempt    int
	Delay      time.Duration
	ExitCode   int
	Err        error
	Time       time.Time
}

func startedEvent(inc *incarnation) Event {
	return Event{
		Type:       EventStarted,
		Generation: inc.Generation,
		Host:       inc.Host,
		Port:       inc.Port,
		PID:        inc.PID,
		ExitCode:   -1,
	}
}

func (s *Supervisor) emit(ev Event) {
	ev.Backend = s.desc.Name
	ev.Time = time.Now()
	s.log(ev)
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

func (s *Supervisor) log(ev Event) {
	if s.opts.Logger == nil {
		return
	}
	args := []any{"backend", ev.Backend, "generation", ev.Generation}
	switch ev.Type {
	case EventStarted:
		s.opts.Logger.Info("backend started", append(args, "pid", ev.PID, "host", ev.Host, "port", ev.Port)...)
	case EventCrashed:
		s.opts.Logger.Warn("backend crashed", append(args, "exit_code", ev.ExitCode, "error", ev.Err)...)
	case EventRestarting:
		s.opts.Logger.Info("backend restarting", append(args, "attempt", ev.Attempt, "delay", ev.Delay)...)
	case EventStopped:
		s.opts.Logger.Info("backend stopped", args...)
	case EventUnrecoverable:
		s.opts.Logger.Error("backend unrecoverable", append(args, "error", ev.Err)...)
	}
}
