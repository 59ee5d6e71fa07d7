package router

import "errors"

var (
	ErrInsecureDirect  = errors.New("router: direct path available but security handshake not completed")
	ErrUnknownPeer     = errors.New("router: unknown peer")
	ErrNoDirectPath    = errors.New("router: no direct target address known")
	ErrUnknownPolicy   = errors.New("router: unknown insecure direct policy")
	ErrUnknownStrategy = errors.New("router: unknown strategy")
)
