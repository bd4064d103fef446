package container

import (
	"github.com/agcluster/gateway/internal/harness"
)

// eventBufferSize bounds how many decoded events may sit ahead of the
// turn currently consuming them.
const eventBufferSize = 64

// EventStream decodes a Connection's raw frames into harness events. It
// owns the Connection's read pump: StreamEvents must be called exactly
// once per Connection.
type EventStream struct {
	Events <-chan *harness.Event
	Errs   <-chan error
}

// StreamEvents starts conn's read loop and decodes every text frame as a
// harness.Event. Frames that fail to decode are dropped rather than
// surfaced, since a single malformed frame should not take down the turn.
func StreamEvents(conn *Connection) *EventStream {
	events := make(chan *harness.Event, eventBufferSize)
	errs := make(chan error, 1)

	go conn.ReadLoop(
		func(data []byte) {
			ev, err := harness.DecodeEvent(data)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-conn.ctx.Done():
			}
		},
		func(err error) {
			errs <- err
			close(events)
		},
	)

	return &EventStream{Events: events, Errs: errs}
}
