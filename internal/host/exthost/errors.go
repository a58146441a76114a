package exthost

import "errors"

var (
	ErrBrokerClosed   = errors.New("exthost: broker is closed")
	ErrNoBrowser      = errors.New("exthost: no browser peer attached")
	ErrNoPage         = errors.New("exthost: no page peer for tab")
	ErrPeerClosed     = errors.New("exthost: peer connection closed")
	ErrHelloRejected  = errors.New("exthost: hello rejected")
	ErrRequestTimeout = errors.New("exthost: request timed out")
)
