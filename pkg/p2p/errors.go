package p2p

import "errors"

var (
	ErrTeardownTooShort = errors.New("p2p: teardown timeout must be at least MinTeardownMultiple keepalive intervals")
	ErrInvalidDuration  = errors.New("p2p: durations must be positive")
)
