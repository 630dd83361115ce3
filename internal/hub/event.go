package hub

import (
	"encoding/json"
	"strings"
	"time"

	"nuha.dev/gpsrelay/internal/store"
)

const (
	EventPosition        = "position"
	EventStatus          = "status"
	EventRequestLocation = "request_location"
)

// Event is what a viewer receives.
type Event struct {
	Type string          `json:"type" cbor:"1,keyasint"`
	Room string          `json:"room,omitempty" cbor:"2,keyasint,omitempty"`
	Data json.RawMessage `json:"data,omitempty" cbor:"3,keyasint,omitempty"`
}

func NewEvent(typ string, v interface{}) (Event, error) {
	d, err := json.Marshal(v)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: d}, nil
}

const (
	conversationPrefix = "conversation:"
	groupPrefix        = "group:"
	devicePrefix       = "device:"
	broadcastPrefix    = "broadcast:"
)

func ConversationRoom(id string) string { return conversationPrefix + id }
func GroupRoom(id string) string        { return groupPrefix + id }
func DeviceRoom(ref string) string      { return devicePrefix + ref }
func BroadcastRoom(name string) string  { return broadcastPrefix + name }

// ValidRoom reports whether room belongs to a known namespace and names something.
func ValidRoom(room string) bool {
	for _, p := range []string{conversationPrefix, groupPrefix, devicePrefix, broadcastPrefix} {
		if strings.HasPrefix(room, p) {
			return len(room) > len(p)
		}
	}
	return false
}

type positionData struct {
	Device string `json:"device"`
	store.Position
}

type statusData struct {
	Device   string    `json:"device"`
	Battery  int       `json:"battery"`
	Charging bool      `json:"charging"`
	Signal   int       `json:"signal"`
	Time     time.Time `json:"time"`
}

type requestLocationData struct {
	Requester string `json:"requester"`
}
