package lockin

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest lock-in state.

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	Tag   string
	State interface{}
}

// statusMessage is the websocket form of a ClientUpdate.
type statusMessage struct {
	Tag   string      `json:"tag"`
	State interface{} `json:"state"`
}

// Tags that arrive every cycle and are not worth logging.
var quietTags = map[string]bool{
	"SIGNAL": true,
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket (as a two-frame message: tag, then JSON state) and to the
// websocket hub, if there is one. It returns when abort is closed.
func RunClientUpdater(statusport int, messages <-chan ClientUpdate, hub *StatusHub, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("could not bind client updater socket to %s: %w", hostname, err)
	}

	for {
		select {
		case <-abort:
			return nil
		case update, ok := <-messages:
			if !ok {
				return nil
			}
			publishUpdate(pubSocket, hub, update)
		}
	}
}

func publishUpdate(pubSocket *zmq.Socket, hub *StatusHub, update ClientUpdate) {
	message, err := json.Marshal(update.State)
	if err != nil {
		ProblemLogger.Printf("could not marshal %s update: %v", update.Tag, err)
		return
	}
	if !quietTags[update.Tag] {
		UpdateLogger.Printf("SEND %v %v", update.Tag, string(message))
	}
	if _, err := pubSocket.SendMessage(update.Tag, message); err != nil {
		ProblemLogger.Printf("could not publish %s update: %v", update.Tag, err)
	}
	if hub != nil {
		hub.Broadcast(statusMessage{Tag: update.Tag, State: json.RawMessage(message)})
	}
}
