package schema

import (
	"fmt"
	"strings"
	"time"
)

// Payload is the typed body of an Entity. The set of implementations is
// closed to this package.
type Payload interface {
	// EntityType reports which collection the payload belongs to.
	EntityType() EntityType
	// Validate checks required fields.
	Validate() error
	// normalized returns a copy with defaults applied and times in UTC.
	normalized() Payload
}

// Workspace groups tasks and files.
type Workspace struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EntityType implements Payload.
func (*Workspace) EntityType() EntityType { return TypeWorkspace }

// Validate checks that the workspace has a name.
func (w *Workspace) Validate() error {
	if strings.TrimSpace(w.Name) == "" {
		return fmt.Errorf("%w: workspace name is required", ErrInvalidPayload)
	}
	return nil
}

func (w *Workspace) normalized() Payload {
	c := *w
	c.Tags = cloneTags(w.Tags)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c
}

// Task is a unit of work inside a workspace.
type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	Category    string     `json:"category"`
	Tags        []string   `json:"tags"`
	AssigneeID  string     `json:"assigneeId"`
	UserID      string     `json:"userId"`
	WorkspaceID string     `json:"workspaceId"`
	DueAt       *time.Time `json:"dueAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// EntityType implements Payload.
func (*Task) EntityType() EntityType { return TypeTask }

// Validate checks that the task has a title.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: task title is required", ErrInvalidPayload)
	}
	return nil
}

func (t *Task) normalized() Payload {
	c := *t
	c.Tags = cloneTags(t.Tags)
	c.CreatedAt = c.CreatedAt.UTC()
	if t.DueAt != nil {
		due := t.DueAt.UTC()
		c.DueAt = &due
	}
	return &c
}

// File is an uploaded document attached to a workspace.
type File struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	MimeType    string    `json:"mimeType"`
	Size        int64     `json:"size"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Tags        []string  `json:"tags"`
	UserID      string    `json:"userId"`
	WorkspaceID string    `json:"workspaceId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EntityType implements Payload.
func (*File) EntityType() EntityType { return TypeFile }

// Validate checks that the file has a name and a non-negative size.
func (f *File) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("%w: file name is required", ErrInvalidPayload)
	}
	if f.Size < 0 {
		return fmt.Errorf("%w: file size must be >= 0, got %d", ErrInvalidPayload, f.Size)
	}
	return nil
}

func (f *File) normalized() Payload {
	c := *f
	c.Tags = cloneTags(f.Tags)
	c.CreatedAt = c.CreatedAt.UTC()
	return &c
}

// newPayload returns an empty payload for the given type.
func newPayload(t EntityType) (Payload, error) {
	switch t {
	case TypeWorkspace:
		return &Workspace{}, nil
	case TypeTask:
		return &Task{}, nil
	case TypeFile:
		return &File{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Title returns the display name of a payload: the task title or the
// workspace/file name. Nil payloads yield "".
func Title(p Payload) string {
	switch v := p.(type) {
	case *Workspace:
		return v.Name
	case *Task:
		return v.Title
	case *File:
		return v.Name
	default:
		return ""
	}
}

func cloneTags(tags []string) []string {
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}
