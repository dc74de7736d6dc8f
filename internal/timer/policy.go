package timer

// DefaultRunwaySeconds is the remaining time at which a session is warned
// that it is about to end.
const DefaultRunwaySeconds = 300

type WarningKind string

const (
	WarningLowBalance  WarningKind = "low_balance"
	WarningFiveMinutes WarningKind = "five_minutes_left"
)

type Warning struct {
	Kind     WarningKind `json:"kind"`
	TimeLeft int         `json:"timeLeft"`
}

// Decision is the policy outcome for one tick.
type Decision struct {
	Warning   *Warning
	Terminate bool
}

type alertState int

const (
	armed alertState = iota
	fired
)

// alert fires at most once until re-armed.
type alert struct {
	state alertState
}

func (a *alert) fire() bool {
	if a.state == fired {
		return false
	}
	a.state = fired
	return true
}

func (a *alert) rearm() {
	a.state = armed
}

// Policy turns ticks into warnings and the termination signal. It is not
// safe for concurrent use; the session serializes ticks.
type Policy interface {
	Evaluate(t Tick) Decision
}

// NewPolicy returns the warning policy for a session kind. Calls warn once
// when the runway is reached. Chats additionally follow the engine's
// low-balance flag, re-arming when it clears.
func NewPolicy(chat bool, runway int) Policy {
	if runway <= 0 {
		runway = DefaultRunwaySeconds
	}
	if chat {
		return &chatPolicy{runway: runway}
	}
	return &callPolicy{runway: runway}
}

type callPolicy struct {
	runway int
	low    alert
}

func (p *callPolicy) Evaluate(t Tick) Decision {
	var d Decision
	if t.TimeLeft > 0 && t.TimeLeft <= p.runway && p.low.fire() {
		d.Warning = &Warning{Kind: WarningLowBalance, TimeLeft: t.TimeLeft}
	}
	d.Terminate = t.TimeLeft <= 0
	return d
}

type chatPolicy struct {
	runway int
	low    alert
	five   alert
}

func (p *chatPolicy) Evaluate(t Tick) Decision {
	var d Decision
	if t.LowBalance {
		if p.low.fire() {
			d.Warning = &Warning{Kind: WarningLowBalance, TimeLeft: t.TimeLeft}
		}
	} else {
		p.low.rearm()
	}
	// one warning per tick; a pending five-minute alert fires on the next one
	if d.Warning == nil && t.TimeLeft > 0 && t.TimeLeft <= p.runway && p.five.fire() {
		d.Warning = &Warning{Kind: WarningFiveMinutes, TimeLeft: t.TimeLeft}
	}
	d.Terminate = t.TimeLeft <= 0
	return d
}
