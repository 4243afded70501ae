package notes

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidTitle indicates that a note title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrInvalidPermission indicates an unknown permission level.
	ErrInvalidPermission = errors.New("notes: invalid permission level")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// PermissionLevel orders collaborator capabilities: admin > write > read.
type PermissionLevel string

const (
	// PermissionRead grants read-only access to a note.
	PermissionRead PermissionLevel = "read"
	// PermissionWrite grants edit access, including everything read grants.
	PermissionWrite PermissionLevel = "write"
	// PermissionAdmin grants sharing control, including everything write grants.
	PermissionAdmin PermissionLevel = "admin"
)

var permissionRanks = map[PermissionLevel]int{
	PermissionRead:  1,
	PermissionWrite: 2,
	PermissionAdmin: 3,
}

// NewPermissionLevel validates raw input and returns a PermissionLevel.
func NewPermissionLevel(rawInput string) (PermissionLevel, error) {
	level := PermissionLevel(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := permissionRanks[level]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermission, rawInput)
	}
	return level, nil
}

// Allows reports whether the level covers the capabilities of required.
func (l PermissionLevel) Allows(required PermissionLevel) bool {
	return permissionRanks[l] >= permissionRanks[required]
}

// String returns the underlying level name.
func (l PermissionLevel) String() string {
	return string(l)
}

// Note models a persisted note. Content always holds a completely formed
// serialized rich-text document; every update replaces it wholesale.
type Note struct {
	ID               string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:512;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	Archived         bool   `gorm:"column:archived;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_notes_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// PermissionGrant links a collaborator to a note with a permission level.
// Exactly one grant exists per (note, user); the owner holds implicit admin
// and is never stored as a grant.
type PermissionGrant struct {
	NoteID           string          `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID           string          `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_grants_user"`
	Level            PermissionLevel `gorm:"column:level;size:16;not null"`
	CreatedAtSeconds int64           `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PermissionGrant) TableName() string {
	return "note_permission_grants"
}

// NoteRevision captures an append-only snapshot written on every accepted save.
type NoteRevision struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Version          int64  `gorm:"column:version;primaryKey;not null"`
	Title            string `gorm:"column:title;size:512;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	EditorID         string `gorm:"column:editor_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRevision) TableName() string {
	return "note_revisions"
}

// UpdateFields describes a partial save: either field may be nil, at least
// one must be set. Present fields fully replace the stored value.
type UpdateFields struct {
	Title   *string
	Content *string
}

// IsEmpty reports whether the update carries no fields at all.
func (f UpdateFields) IsEmpty() bool {
	return f.Title == nil && f.Content == nil
}

// NoteList splits the notes visible to a user into owned and shared.
type NoteList struct {
	Own    []Note
	Shared []Note
}
