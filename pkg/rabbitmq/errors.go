package rabbitmq

import "errors"

// ErrNotConnected is returned when publishing while the broker link is down.
var ErrNotConnected = errors.New("mqtt client not connected")
