package domain

import "errors"

// Sentinel errors used throughout the application.
var (
	ErrNotFound        = errors.New("not found")
	ErrQueueFull       = errors.New("queue is at capacity")
	ErrAckTimeout      = errors.New("background agent did not acknowledge in time")
	ErrAgentRejected   = errors.New("background agent rejected the notification")
	ErrNotConnected    = errors.New("background agent is not connected")
	ErrInvalidSnapshot = errors.New("persisted session snapshot failed envelope validation")
)
