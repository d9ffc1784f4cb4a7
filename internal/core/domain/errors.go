package domain

import "errors"

var (
	ErrNoAudioSource       = errors.New("no audio available")
	ErrChannelUnavailable  = errors.New("session channel unavailable")
	ErrAlreadyBroadcasting = errors.New("broadcast already active")
	ErrNotHost             = errors.New("not the session host")
	ErrSessionClosed       = errors.New("session closed")
)
