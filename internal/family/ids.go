package family

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFamilyID indicates that a family identifier is empty or exceeds storage bounds.
	ErrInvalidFamilyID = errors.New("family: invalid family id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("family: invalid entity id")
	// ErrInvalidActorID indicates that an actor identifier is empty or exceeds storage bounds.
	ErrInvalidActorID = errors.New("family: invalid actor id")
)

// FamilyID represents a validated family (scope) identifier.
type FamilyID string

// NewFamilyID validates raw input and returns a FamilyID.
func NewFamilyID(rawInput string) (FamilyID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFamilyID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFamilyID, maxIdentifierLength)
	}
	return FamilyID(trimmed), nil
}

// String returns the underlying string identifier.
func (id FamilyID) String() string {
	return string(id)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// ActorID represents a validated actor (user or device) identifier.
type ActorID string

// NewActorID validates raw input and returns an ActorID.
func NewActorID(rawInput string) (ActorID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActorID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActorID, maxIdentifierLength)
	}
	return ActorID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ActorID) String() string {
	return string(id)
}
