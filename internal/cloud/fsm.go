package cloud

import (
	"context"

	"github.com/looplab/fsm"

	"hearth.io/hearth/pkg/log"
)

// ConnectionState is the phase of the cloud session state machine.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateRegistering  ConnectionState = "registering"
	StateSubscribing  ConnectionState = "subscribing_for_pairings"
	StateConnected    ConnectionState = "connected"
)

const (
	eventConnect   = "connect"
	eventRegister  = "register"
	eventSubscribe = "subscribe"
	eventEstablish = "establish"
	eventDrop      = "drop"
)

// connectionFSM wraps the session state machine. Transitions only ever
// happen on transport events or protocol replies, under the connector's
// mutex, so the machine needs no locking of its own.
type connectionFSM struct {
	m *fsm.FSM
}

func newConnectionFSM(logger log.Logger) *connectionFSM {
	f := &connectionFSM{}

	events := fsm.Events{
		{Name: eventConnect, Src: []string{string(StateDisconnected)}, Dst: string(StateConnecting)},
		{Name: eventRegister, Src: []string{string(StateConnecting)}, Dst: string(StateRegistering)},
		{Name: eventSubscribe, Src: []string{string(StateConnecting), string(StateRegistering)}, Dst: string(StateSubscribing)},
		{Name: eventEstablish, Src: []string{string(StateSubscribing)}, Dst: string(StateConnected)},
		{Name: eventDrop, Src: []string{
			string(StateConnecting), string(StateRegistering),
			string(StateSubscribing), string(StateConnected),
		}, Dst: string(StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			logger.Debug("Cloud session state changed", "from", e.Src, "to", e.Dst)
		},
	}

	f.m = fsm.NewFSM(string(StateDisconnected), events, callbacks)
	return f
}

func (f *connectionFSM) Current() ConnectionState {
	return ConnectionState(f.m.Current())
}

func (f *connectionFSM) fire(event string) error {
	return f.m.Event(context.Background(), event)
}
