package domain

import "errors"

var (
	ErrEmptyRoom          = errors.New("room identifier is empty")
	ErrRegistrationFailed = errors.New("group registration failed")
	ErrMalformedMessage   = errors.New("malformed message")
	ErrBrokerUnavailable  = errors.New("broker unavailable")
	ErrSessionClosed      = errors.New("session is closed")
	ErrSlowConsumer       = errors.New("slow consumer")
	ErrRoomFull           = errors.New("room is full")
)
