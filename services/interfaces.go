package services

import (
	"github.com/mbocsi/avrharness/client"
	"github.com/mbocsi/avrharness/proto"
)

// MessageSource is the view of a listener the step helpers need.
// *client.Listener implements it.
type MessageSource interface {
	// Messages returns a snapshot of everything received so far.
	Messages() []proto.Message
	// Changed is closed on the next received message or when the source stops.
	Changed() <-chan struct{}
	// Conn is used to send requests; nil while not connected.
	Conn() client.Conn
}

var _ MessageSource = (*client.Listener)(nil)
