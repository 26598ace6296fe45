// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxIDLen = 64

var (
	ErrIDTooLong = errors.New("id too long")
	ErrIDEmpty   = errors.New("id empty")
	ErrBadRole   = errors.New("unknown role")
)

type (
	DeviceID string
	UserID   string
	HandleID string
)

// Role is the endpoint a connection came in through.
type Role string

const (
	RoleCamera Role = "camera"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(s)); r {
	case RoleCamera, RoleViewer:
		return r, nil
	}
	return "", ErrBadRole
}

func NewDeviceID(raw string) (DeviceID, error) {
	if err := checkID(raw); err != nil {
		return "", err
	}
	return DeviceID(raw), nil
}

// NewUserID accepts an empty string: user ids are optional.
func NewUserID(raw string) (UserID, error) {
	if raw == "" {
		return "", nil
	}
	if err := checkID(raw); err != nil {
		return "", err
	}
	return UserID(raw), nil
}

func NewHandleID() HandleID {
	return HandleID(uuid.NewString())
}

func checkID(raw string) error {
	if len(raw) == 0 {
		return ErrIDEmpty
	}
	if len(raw) > MaxIDLen {
		return ErrIDTooLong
	}
	return nil
}
