package deviceid

import "errors"

var (
	ErrInvalidLength = errors.New("deviceid: invalid length")
	ErrInvalidFormat = errors.New("deviceid: invalid format")
	ErrInvalidKey    = errors.New("deviceid: invalid key file")
)
