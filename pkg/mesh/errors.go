package mesh

import "errors"

var (
	ErrSessionClosed  = errors.New("mesh: session closed")
	ErrInvalidConfig  = errors.New("mesh: invalid configuration")
	ErrUnknownPeer    = errors.New("mesh: unknown peer")
	ErrStaleProbe     = errors.New("mesh: probe answer does not match the outstanding check")
	ErrUnknownPathOp  = errors.New("mesh: unknown path update")
	ErrAlreadyRunning = errors.New("mesh: session already running")
)
