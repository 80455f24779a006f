package id

import "github.com/google/uuid"

// Generator mints opaque identifiers for orders and anonymous holders.
type Generator interface {
	NewID() string
}

type uuidGenerator struct{}

func NewUUIDGenerator() Generator { return uuidGenerator{} }

func (uuidGenerator) NewID() string { return uuid.NewString() }
