package webclient

import (
	"encoding/json"
	"time"
)

// StateTopic is the event bus topic state changes are published on.
const StateTopic = "netclient.state"

// StateEvent describes one state transition of a Connection. It is what state
// receivers get and what the runtime publishes on its event bus.
type StateEvent struct {
	Conn *Connection `json:"-"`

	ConnID string    `json:"connection_id"`
	Target string    `json:"target"`
	From   State     `json:"-"`
	To     State     `json:"-"`
	At     time.Time `json:"at"`

	FromName string `json:"from"`
	ToName   string `json:"to"`
}

// Serialize implements eventbus.Message.
func (e StateEvent) Serialize() []byte {
	e.FromName = e.From.String()
	e.ToName = e.To.String()
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}
