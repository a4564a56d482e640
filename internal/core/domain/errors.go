package domain

import "errors"

var (
	ErrPeerNotFound       = errors.New("recipient not found")
	ErrNotRegistered      = errors.New("connection is not registered")
	ErrUnknownSignalType  = errors.New("unknown signal type")
	ErrMissingDestination = errors.New("destination peer id is required")
	ErrChannelClosed      = errors.New("signaling channel is closed")
	ErrChannelFailed      = errors.New("signaling channel failed")
	ErrConnectTimeout     = errors.New("registration confirmation timed out")
	ErrSessionActive      = errors.New("another call session is active")
	ErrSessionTerminated  = errors.New("call session already terminated")
	ErrNoAnswer           = errors.New("no answer")
)
