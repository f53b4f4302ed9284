package realtime

import (
	"context"
	"encoding/json"
)

// Event names pushed to dashboard clients.
const (
	EventVitals      = "vitals"
	EventAlertNew    = "alerts:new"
	EventAlertUpdate = "alerts:update"
)

// Publisher delivers live-update events. Delivery is fire-and-forget:
// implementations log failures and never report them to the caller.
type Publisher interface {
	Publish(ctx context.Context, event string, data any)
}

// Message is the wire frame sent to every connected client.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Event: event, Data: raw})
}
