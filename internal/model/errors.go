package model

import "errors"

var (
	// ErrUserIDRequired is returned when a connection attempt is missing the user ID.
	ErrUserIDRequired = errors.New("user id is required")

	// ErrSessionIDRequired is returned when a connection attempt is missing the session ID.
	ErrSessionIDRequired = errors.New("session id is required")

	// ErrSessionNotFound is returned when a collaboration session is not found.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotConnected is returned when an operation requires a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed is returned when a transport client has been released.
	ErrClientClosed = errors.New("client closed")
)
