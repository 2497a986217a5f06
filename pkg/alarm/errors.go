package alarm

import "errors"

var (
	errWrongState   = errors.New("alarm: operation invalid in current state")
	errQueueFull    = errors.New("alarm: send queue full")
	errNotOpen      = errors.New("alarm: channel not open")
)
