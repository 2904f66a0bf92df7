package natsio

import "errors"

var (
	// ErrNotConnected is returned by operations that need an established
	// session. Nothing is written to the wire.
	ErrNotConnected = errors.New("not connected")

	// ErrSubscriptionNotFound is returned when unsubscribing a sid the
	// connection no longer knows.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	ErrAlreadyStarted = errors.New("connection already started")
	ErrNotStarted     = errors.New("connection not started")

	// ErrMaxPayload is returned when a payload exceeds the server's
	// max_payload.
	ErrMaxPayload = errors.New("maximum payload exceeded")

	// ErrReconnectFailed is passed to OnDisconnected when
	// MaxReconnectAttempts consecutive attempts have failed.
	ErrReconnectFailed = errors.New("reconnect failed: max attempts reached")

	// ErrStopped is passed to OnDisconnected when the session ends because
	// of Stop or a cancelled context.
	ErrStopped = errors.New("connection stopped")

	ErrBadSubscription = errors.New("invalid subscription")

	// ErrNoServerInfo means the first frame after connecting was not INFO.
	ErrNoServerInfo = errors.New("expected INFO from server")
)
