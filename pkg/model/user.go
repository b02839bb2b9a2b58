package model

import (
	"errors"
	"fmt"
)

const (
	MaxUsernameLength  = 32
	MaxGroupNameLength = 64
)

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")

var ErrGroupNameEmpty = errors.New("group name must not be empty")
var ErrGroupNameTooLong = fmt.Errorf("group name must not exceed %d characters", MaxGroupNameLength)
var ErrGroupNameInvalidChars = errors.New("group name must contain only alphanumeric characters, underscores, or hyphens")

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric,
// underscore, or hyphen characters. Returns nil on success or a
// descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !validNameChars(name) {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidateGroupName checks that a group name is 1-64 ASCII alphanumeric,
// underscore, or hyphen characters. Group names end up in history file
// names, so the character set is restricted the same way usernames are.
func ValidateGroupName(name string) error {
	if len(name) == 0 {
		return ErrGroupNameEmpty
	}
	if len(name) > MaxGroupNameLength {
		return ErrGroupNameTooLong
	}
	if !validNameChars(name) {
		return ErrGroupNameInvalidChars
	}
	return nil
}

func validNameChars(name string) bool {
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
