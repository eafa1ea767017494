package catalog

import (
	"errors"

	"github.com/google/uuid"
)

// Facility is a health facility that reports stock movements.
type Facility struct {
	ID     uuid.UUID
	Code   string
	Name   string
	Active bool
}

// Program is a health program (e.g. malaria, HIV) that products belong to.
type Program struct {
	ID   uuid.UUID
	Code string
	Name string
}

// Product is an orderable product. HasLots is false for kit and other
// no-lot products that are tracked at product level only.
type Product struct {
	ID        uuid.UUID
	Code      string
	Name      string
	ProgramID uuid.UUID
	HasLots   bool
}

// ErrNotFound indicates a missing catalog record.
var ErrNotFound = errors.New("catalog: not found")
