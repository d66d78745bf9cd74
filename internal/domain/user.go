// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxClientIDLen = 36

var (
	ErrClientIDEmpty   = errors.New("client id empty")
	ErrClientIDTooLong = errors.New("client id too long")
)

type (
	UserID   string
	ClientID string
)

// Device identifies one client of a user.
type Device struct {
	User   UserID   `json:"user"`
	Client ClientID `json:"client"`
}

// NewClientID validates raw or, when raw is empty, generates a fresh id.
func NewClientID(raw string) (ClientID, error) {
	if raw == "" {
		return ClientID(uuid.NewString()), nil
	}
	if len(raw) > MaxClientIDLen {
		return "", ErrClientIDTooLong
	}
	return ClientID(raw), nil
}

// Validate reports whether d names a concrete client.
func (d Device) Validate() error {
	if d.Client == "" {
		return ErrClientIDEmpty
	}
	return nil
}
