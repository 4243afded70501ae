package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNoteNotFound indicates the requested note does not exist.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrForbidden indicates the requester lacks the permission level an operation needs.
	ErrForbidden = errors.New("notes: insufficient permission")
	// ErrUnknownCollaborator indicates no user matched the shared-to email.
	ErrUnknownCollaborator = errors.New("notes: unknown collaborator email")
	// ErrRevisionNotFound indicates the requested version snapshot does not exist.
	ErrRevisionNotFound = errors.New("notes: revision not found")
	// ErrEmptyUpdate indicates a save payload carrying neither title nor content.
	ErrEmptyUpdate = errors.New("notes: update requires title or content")
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "notes.service.new"
	opCreateNote    = "notes.create"
	opGetNote       = "notes.get"
	opListNotes     = "notes.list"
	opUpdateNote    = "notes.update"
	opDeleteNote    = "notes.delete"
	opShareNote     = "notes.share"
	opUnshareNote   = "notes.unshare"
	opListRevisions = "notes.list_revisions"
	opGetRevision   = "notes.get_revision"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new notes.
type IDProvider interface {
	NewID() (string, error)
}

// UserDirectory resolves collaborator emails to canonical user ids.
type UserDirectory interface {
	LookupByEmail(ctx context.Context, email string) (string, error)
}

// ServiceConfig describes the dependencies of the notes service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Directory  UserDirectory
	Logger     *zap.Logger
}

// Service is the authoritative bridge between note state and durable storage.
// Saves are last-write-wins: the stored document is fully replaced, with no
// version check and no merge of concurrent edits.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	directory  UserDirectory
	logger     *zap.Logger
}

// NewService constructs the notes service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		directory:  cfg.Directory,
		logger:     logger,
	}, nil
}

// Create persists a new note owned by ownerID and its first revision.
func (s *Service) Create(ctx context.Context, ownerID UserID, title, content string) (Note, error) {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return Note{}, newServiceError(opCreateNote, "invalid_title", ErrInvalidTitle)
	}
	if len(trimmedTitle) > maxTitleLength {
		return Note{}, newServiceError(opCreateNote, "invalid_title", ErrInvalidTitle)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNote, "id_generation_failed", err)
		return Note{}, newServiceError(opCreateNote, "id_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	note := Note{
		ID:               noteID,
		OwnerID:          ownerID.String(),
		Title:            trimmedTitle,
		Content:          content,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&note).Error; err != nil {
			return err
		}
		revision := NoteRevision{
			NoteID:           note.ID,
			Version:          1,
			Title:            note.Title,
			Content:          note.Content,
			EditorID:         note.OwnerID,
			CreatedAtSeconds: now,
		}
		return tx.Create(&revision).Error
	})
	if txErr != nil {
		s.logError(opCreateNote, "insert_failed", txErr, zap.String("note_id", noteID))
		return Note{}, newServiceError(opCreateNote, "insert_failed", txErr)
	}

	return note, nil
}

// Get loads a note the requester may read.
func (s *Service) Get(ctx context.Context, requester UserID, noteID NoteID) (Note, error) {
	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return Note{}, newServiceError(opGetNote, reasonForLoad(err), err)
	}
	if err := s.requirePermission(ctx, requester, note, PermissionRead); err != nil {
		return Note{}, newServiceError(opGetNote, "forbidden", err)
	}
	return note, nil
}

// List returns notes the requester owns and notes shared with them.
func (s *Service) List(ctx context.Context, requester UserID) (NoteList, error) {
	var own []Note
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", requester.String()).
		Order("updated_at_s DESC").
		Find(&own).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", requester.String()))
		return NoteList{}, newServiceError(opListNotes, "query_failed", err)
	}

	var shared []Note
	if err := s.db.WithContext(ctx).
		Joins("JOIN note_permission_grants g ON g.note_id = notes.note_id").
		Where("g.user_id = ?", requester.String()).
		Order("updated_at_s DESC").
		Find(&shared).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", requester.String()))
		return NoteList{}, newServiceError(opListNotes, "query_failed", err)
	}

	return NoteList{Own: own, Shared: shared}, nil
}

// Update replaces the fields carried by the save and appends a revision.
// Whichever save reaches the store last determines the stored state.
func (s *Service) Update(ctx context.Context, requester UserID, noteID NoteID, fields UpdateFields) (Note, error) {
	if fields.IsEmpty() {
		return Note{}, newServiceError(opUpdateNote, "empty_update", ErrEmptyUpdate)
	}
	if fields.Title != nil {
		trimmed := strings.TrimSpace(*fields.Title)
		if trimmed == "" || len(trimmed) > maxTitleLength {
			return Note{}, newServiceError(opUpdateNote, "invalid_title", ErrInvalidTitle)
		}
	}

	var updated Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.loadNoteLocked(ctx, tx, noteID)
		if err != nil {
			return err
		}
		if err := s.requirePermission(ctx, requester, note, PermissionWrite); err != nil {
			return err
		}

		if fields.Title != nil {
			note.Title = strings.TrimSpace(*fields.Title)
		}
		if fields.Content != nil {
			note.Content = *fields.Content
		}
		note.UpdatedAtSeconds = s.clock().UTC().Unix()

		if err := tx.Save(&note).Error; err != nil {
			return err
		}

		var lastVersion int64
		row := tx.Model(&NoteRevision{}).
			Where("note_id = ?", note.ID).
			Select("COALESCE(MAX(version), 0)")
		if err := row.Scan(&lastVersion).Error; err != nil {
			return err
		}

		revision := NoteRevision{
			NoteID:           note.ID,
			Version:          lastVersion + 1,
			Title:            note.Title,
			Content:          note.Content,
			EditorID:         requester.String(),
			CreatedAtSeconds: note.UpdatedAtSeconds,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return err
		}

		updated = note
		return nil
	})
	if txErr != nil {
		reason := reasonForLoad(txErr)
		if errors.Is(txErr, ErrForbidden) {
			reason = "forbidden"
		}
		if reason == "query_failed" {
			s.logError(opUpdateNote, reason, txErr, zap.String("note_id", noteID.String()))
		}
		return Note{}, newServiceError(opUpdateNote, reason, txErr)
	}

	return updated, nil
}

// Delete removes a note, its grants and its revisions. Only the owner or an
// admin collaborator may delete.
func (s *Service) Delete(ctx context.Context, requester UserID, noteID NoteID) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := s.loadNoteLocked(ctx, tx, noteID)
		if err != nil {
			return err
		}
		if err := s.requirePermission(ctx, requester, note, PermissionAdmin); err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", note.ID).Delete(&PermissionGrant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", note.ID).Delete(&NoteRevision{}).Error; err != nil {
			return err
		}
		return tx.Delete(&note).Error
	})
	if txErr != nil {
		reason := reasonForLoad(txErr)
		if errors.Is(txErr, ErrForbidden) {
			reason = "forbidden"
		}
		if reason == "query_failed" {
			s.logError(opDeleteNote, reason, txErr, zap.String("note_id", noteID.String()))
		}
		return newServiceError(opDeleteNote, reason, txErr)
	}
	return nil
}

// Share grants a collaborator, looked up by email, the given level on a note.
// A repeated share for the same collaborator replaces the existing grant.
func (s *Service) Share(ctx context.Context, requester UserID, noteID NoteID, email string, level PermissionLevel) (PermissionGrant, error) {
	if s.directory == nil {
		return PermissionGrant{}, newServiceError(opShareNote, "missing_directory", errors.New("user directory is required for sharing"))
	}

	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return PermissionGrant{}, newServiceError(opShareNote, reasonForLoad(err), err)
	}
	if err := s.requirePermission(ctx, requester, note, PermissionAdmin); err != nil {
		return PermissionGrant{}, newServiceError(opShareNote, "forbidden", err)
	}

	collaboratorID, err := s.directory.LookupByEmail(ctx, email)
	if err != nil {
		return PermissionGrant{}, newServiceError(opShareNote, "unknown_email", fmt.Errorf("%w: %v", ErrUnknownCollaborator, err))
	}
	if collaboratorID == note.OwnerID {
		return PermissionGrant{}, newServiceError(opShareNote, "owner_grant", fmt.Errorf("%w: owner already holds admin", ErrInvalidPermission))
	}

	grant := PermissionGrant{
		NoteID:           note.ID,
		UserID:           collaboratorID,
		Level:            level,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "note_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"level"}),
		}).
		Create(&grant).Error
	if err != nil {
		s.logError(opShareNote, "grant_upsert_failed", err, zap.String("note_id", note.ID))
		return PermissionGrant{}, newServiceError(opShareNote, "grant_upsert_failed", err)
	}

	return grant, nil
}

// Unshare revokes a collaborator's grant on a note.
func (s *Service) Unshare(ctx context.Context, requester UserID, noteID NoteID, collaboratorID UserID) error {
	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return newServiceError(opUnshareNote, reasonForLoad(err), err)
	}
	if err := s.requirePermission(ctx, requester, note, PermissionAdmin); err != nil {
		return newServiceError(opUnshareNote, "forbidden", err)
	}

	result := s.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ?", note.ID, collaboratorID.String()).
		Delete(&PermissionGrant{})
	if result.Error != nil {
		s.logError(opUnshareNote, "grant_delete_failed", result.Error, zap.String("note_id", note.ID))
		return newServiceError(opUnshareNote, "grant_delete_failed", result.Error)
	}
	return nil
}

// ListRevisions returns the revision history of a note, newest first.
func (s *Service) ListRevisions(ctx context.Context, requester UserID, noteID NoteID) ([]NoteRevision, error) {
	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return nil, newServiceError(opListRevisions, reasonForLoad(err), err)
	}
	if err := s.requirePermission(ctx, requester, note, PermissionRead); err != nil {
		return nil, newServiceError(opListRevisions, "forbidden", err)
	}

	var revisions []NoteRevision
	if err := s.db.WithContext(ctx).
		Where("note_id = ?", note.ID).
		Order("version DESC").
		Find(&revisions).Error; err != nil {
		s.logError(opListRevisions, "query_failed", err, zap.String("note_id", note.ID))
		return nil, newServiceError(opListRevisions, "query_failed", err)
	}
	return revisions, nil
}

// GetRevision returns one version snapshot of a note.
func (s *Service) GetRevision(ctx context.Context, requester UserID, noteID NoteID, version int64) (NoteRevision, error) {
	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return NoteRevision{}, newServiceError(opGetRevision, reasonForLoad(err), err)
	}
	if err := s.requirePermission(ctx, requester, note, PermissionRead); err != nil {
		return NoteRevision{}, newServiceError(opGetRevision, "forbidden", err)
	}

	var revision NoteRevision
	err = s.db.WithContext(ctx).
		Where("note_id = ? AND version = ?", note.ID, version).
		Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteRevision{}, newServiceError(opGetRevision, "not_found", ErrRevisionNotFound)
	}
	if err != nil {
		s.logError(opGetRevision, "query_failed", err, zap.String("note_id", note.ID))
		return NoteRevision{}, newServiceError(opGetRevision, "query_failed", err)
	}
	return revision, nil
}

// PermissionFor reports the effective level a user holds on a note, with
// PermissionLevel("") when the user has no access at all.
func (s *Service) PermissionFor(ctx context.Context, userID UserID, noteID NoteID) (PermissionLevel, error) {
	note, err := s.loadNote(ctx, s.db, noteID)
	if err != nil {
		return "", err
	}
	return s.effectiveLevel(ctx, userID, note)
}

func (s *Service) loadNote(ctx context.Context, db *gorm.DB, noteID NoteID) (Note, error) {
	var note Note
	err := db.WithContext(ctx).Where("note_id = ?", noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *Service) loadNoteLocked(ctx context.Context, tx *gorm.DB, noteID NoteID) (Note, error) {
	var note Note
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("note_id = ?", noteID.String()).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Note{}, ErrNoteNotFound
	}
	if err != nil {
		return Note{}, err
	}
	return note, nil
}

func (s *Service) effectiveLevel(ctx context.Context, userID UserID, note Note) (PermissionLevel, error) {
	if note.OwnerID == userID.String() {
		return PermissionAdmin, nil
	}
	var grant PermissionGrant
	err := s.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ?", note.ID, userID.String()).
		Take(&grant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return grant.Level, nil
}

func (s *Service) requirePermission(ctx context.Context, userID UserID, note Note, required PermissionLevel) error {
	level, err := s.effectiveLevel(ctx, userID, note)
	if err != nil {
		return err
	}
	if level == "" || !level.Allows(required) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, userID.String(), required)
	}
	return nil
}

func reasonForLoad(err error) string {
	if errors.Is(err, ErrNoteNotFound) {
		return "not_found"
	}
	return "query_failed"
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes service error", attrs...)
}
