package collab

import "errors"

// Broadcaster delivers a message to every subscriber of a room.
// Implementations must preserve call order per subscriber: two Broadcast
// calls made in sequence by one goroutine reach each subscriber in that
// order.
//
// Broadcast may be called while a project's state is locked, so it must not
// block on slow subscribers and must not call back into this package.
type Broadcaster interface {
	Broadcast(room string, msg Message)
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(room string, msg Message)

// Broadcast calls f(room, msg).
func (f BroadcasterFunc) Broadcast(room string, msg Message) { f(room, msg) }

// Sender is the connection an inbound message arrived on.
type Sender interface {
	// ID uniquely identifies the connection for presence bookkeeping.
	ID() string
	Subscribe(room string)
	Unsubscribe(room string)
}

// Routing errors. Handlers return these to the transport, which replies to
// the sender with an ERROR message; they never reach other subscribers.
var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnknownLockAction  = errors.New("unknown lock action")
)
