package schema

import (
	"time"
)

// DeletedField is the pseudo field name used when one side deleted a record
// the other side modified.
const DeletedField = "deleted"

// Conflict records a divergence between the local and remote copy of the
// same entity that needs an explicit resolution.
type Conflict struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	Local      *Entity    `json:"localData"`
	Remote     *Entity    `json:"remoteData"`
	// Base is the last common version, nil when none was recorded.
	Base   *Entity  `json:"baseData"`
	Fields []string `json:"conflictFields"`

	Timestamp time.Time `json:"timestamp"`
}

// Key returns the "type/id" key of the conflicted entity.
func (c *Conflict) Key() string {
	return Key(c.EntityType, c.EntityID)
}
