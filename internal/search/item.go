package search

import (
	"context"
	"time"

	"github.com/tasklane/tasklane/internal/schema"
)

// Source supplies the live records to index. *store.Store implements it.
type Source interface {
	GetAll(ctx context.Context, t schema.EntityType) ([]*schema.Entity, error)
}

// Item is the searchable projection of a record. It is derived and can
// always be rebuilt from the store.
type Item struct {
	EntityType   schema.EntityType `json:"entityType"`
	EntityID     string            `json:"entityId"`
	Title        string            `json:"title"`
	Content      string            `json:"content,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Category     string            `json:"category,omitempty"`
	Status       string            `json:"status,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	UserID       string            `json:"userId,omitempty"`
	WorkspaceID  string            `json:"workspaceId,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	LastModified time.Time         `json:"lastModified"`
}

// Key returns the "type/id" key of the indexed record.
func (it *Item) Key() string {
	return schema.Key(it.EntityType, it.EntityID)
}

// ItemFromEntity projects e into an Item. Tombstones, parked conflicts and
// records without a payload are not indexable.
func ItemFromEntity(e *schema.Entity) (Item, bool) {
	if e == nil || e.IsDeleted || e.Payload == nil || e.SyncStatus == schema.StatusConflict {
		return Item{}, false
	}

	it := Item{
		EntityType:   e.Type,
		EntityID:     e.ID,
		LastModified: e.LastModified,
	}
	switch p := e.Payload.(type) {
	case *schema.Task:
		it.Title = p.Title
		it.Content = p.Description
		it.Category = p.Category
		it.Status = p.Status
		it.Priority = p.Priority
		it.UserID = p.UserID
		it.WorkspaceID = p.WorkspaceID
		it.Tags = p.Tags
		it.Keywords = keywords(p.Tags, p.Category)
	case *schema.Workspace:
		it.Title = p.Name
		it.Content = p.Description
		it.UserID = p.OwnerID
		it.WorkspaceID = e.ID
		it.Tags = p.Tags
		it.Keywords = keywords(p.Tags)
	case *schema.File:
		it.Title = p.Name
		it.Content = p.Description
		it.Category = p.Category
		it.UserID = p.UserID
		it.WorkspaceID = p.WorkspaceID
		it.Tags = p.Tags
		it.Keywords = keywords(p.Tags, p.Category, p.MimeType)
	default:
		return Item{}, false
	}
	return it, true
}

func keywords(tags []string, extra ...string) []string {
	out := make([]string, 0, len(tags)+len(extra))
	out = append(out, tags...)
	for _, s := range extra {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
