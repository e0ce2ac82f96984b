// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 64
	MaxUsernameLen = 36
)

var (
	ErrUserIDEmpty     = errors.New("user id empty")
	ErrUserIDTooLong   = errors.New("user id too long")
	ErrUnknownDevice   = errors.New("unknown device class")
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

// UserID is the opaque identity of a user. It doubles as the room key.
type UserID string

func (id UserID) Validate() error {
	if len(id) == 0 {
		return ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}

// DeviceClass tells a source device (the one with the camera) from viewers.
type DeviceClass string

const (
	DeviceSource DeviceClass = "source"
	DeviceViewer DeviceClass = "viewer"
)

// ParseDeviceClass accepts the canonical names and the legacy
// "computer"/"mobile" aliases.
func ParseDeviceClass(s string) (DeviceClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source", "computer":
		return DeviceSource, nil
	case "viewer", "mobile":
		return DeviceViewer, nil
	}
	return "", ErrUnknownDevice
}

// Claims is what a verified token says about its bearer.
// Immutable for the lifetime of a connection.
type Claims struct {
	UserID      UserID      `json:"userId"`
	DeviceClass DeviceClass `json:"deviceClass"`
	Username    string      `json:"username,omitempty"`
}

func ValidateUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
