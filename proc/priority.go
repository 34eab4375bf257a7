package proc

// HostPriority is the host scheduling class a guest thread runs in.
type HostPriority int

// Host scheduling classes, highest first.
const (
	PriorityHighest HostPriority = iota
	PriorityAboveNormal
	PriorityNormal
	PriorityBelowNormal
	PriorityLowest
)

// MainThreadPriority is the guest priority of a process's main thread.
const MainThreadPriority = 48

var hostPriorityNames = [...]string{
	PriorityHighest:     "highest",
	PriorityAboveNormal: "above-normal",
	PriorityNormal:      "normal",
	PriorityBelowNormal: "below-normal",
	PriorityLowest:      "lowest",
}

func (p HostPriority) String() string {
	if p < 0 || int(p) >= len(hostPriorityNames) {
		return "invalid"
	}
	return hostPriorityNames[p]
}

// HostPriorityOf maps a guest priority, where lower is more urgent, onto the
// five host classes with thresholds at 12, 24, 36 and 48.
func HostPriorityOf(guest int) HostPriority {
	switch {
	case guest < 12:
		return PriorityHighest
	case guest < 24:
		return PriorityAboveNormal
	case guest < 36:
		return PriorityNormal
	case guest < 48:
		return PriorityBelowNormal
	default:
		return PriorityLowest
	}
}

// Nice returns the nice value applied to the host thread.
func (p HostPriority) Nice() int {
	return (int(p) - int(PriorityNormal)) * 5
}
