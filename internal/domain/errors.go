package domain

import "errors"

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNoEndpointAvailable = errors.New("no endpoint available")
	ErrEndpointNotFound    = errors.New("endpoint not found")
	ErrRecordNotFound      = errors.New("record not found")
	ErrNoAccountAvailable  = errors.New("no account available")
	ErrShuttingDown        = errors.New("orchestrator is shutting down")
	ErrNotLeader           = errors.New("instance is not the leader")
)
