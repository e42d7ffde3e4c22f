package alarm

// State is the lifecycle stage of an alarm event.
type State string

const (
	StatePending      State = "pending"
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
	StateCleared      State = "cleared"
)

var allowedTransitions = map[State]map[State]struct{}{
	StatePending: {
		StateActive: {},
	},
	StateActive: {
		StateAcknowledged: {},
		StateCleared:      {},
	},
	StateAcknowledged: {
		StateCleared: {},
	},
}

// CanTransition reports whether a state transition is valid. Cleared is
// terminal.
func CanTransition(from, to State) bool {
	allowed, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// AckRecord captures who acknowledged an event.
type AckRecord struct {
	Actor string `json:"actor"`
	Note  string `json:"note,omitempty"`
	At    int64  `json:"at"`
}

// Event is one raised instance of an alarm definition against one
// instrument. RaisedAt marks when the condition was first observed;
// TriggeredAt when it survived the debounce delay and went active.
type Event struct {
	ID          string     `json:"id"`
	AlarmID     string     `json:"alarm_id"`
	AlarmName   string     `json:"alarm_name"`
	EquipmentID string     `json:"equipment_id"`
	Severity    Severity   `json:"severity"`
	State       State      `json:"state"`
	Value       float64    `json:"value"`
	LastValue   float64    `json:"last_value"`
	RaisedAt    int64      `json:"raised_at"`
	TriggeredAt int64      `json:"triggered_at,omitempty"`
	LastSeen    int64      `json:"last_seen"`
	Ack         *AckRecord `json:"ack,omitempty"`
	ClearedAt   int64      `json:"cleared_at,omitempty"`
}

// Copy returns an independent snapshot.
func (e *Event) Copy() *Event {
	out := *e
	if e.Ack != nil {
		ack := *e.Ack
		out.Ack = &ack
	}
	return &out
}
