package memory

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Event is a memory operation kind.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

// tempID is the integer handle an update plan uses for existing memories.
// Models emit it as either a number or a string.
type tempID string

func (t *tempID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = tempID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = tempID(strings.TrimSpace(s))
	return nil
}

type operation struct {
	ID        tempID `json:"id"`
	Text      string `json:"text"`
	Event     Event  `json:"event"`
	OldMemory string `json:"old_memory,omitempty"`
}

type updatePlan struct {
	Memory []operation `json:"memory"`
}

type extraction struct {
	Facts []string `json:"facts"`
}

// tempIDs assigns 0..n-1 to existing memories, in order.
func tempIDs(existing []Record) map[tempID]Record {
	out := make(map[tempID]Record, len(existing))
	for i, r := range existing {
		out[tempID(strconv.Itoa(i))] = r
	}
	return out
}

// normaliseEvent upper-cases and trims the event; unknown events become "".
func normaliseEvent(e Event) Event {
	switch ev := Event(strings.ToUpper(strings.TrimSpace(string(e)))); ev {
	case EventAdd, EventUpdate, EventDelete, EventNone:
		return ev
	}
	return ""
}
