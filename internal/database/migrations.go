package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillInitialRevisions = "2026-08-12_backfill_initial_revisions"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillInitialRevisions, apply: backfillInitialRevisions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillInitialRevisions seeds a version-1 snapshot for notes created
// before revision history existed, so the versions endpoints never return an
// empty history for a live note.
func backfillInitialRevisions(db *gorm.DB) error {
	const insert = `
		INSERT INTO note_revisions (note_id, version, title, content, editor_id, created_at_s)
		SELECT n.note_id, 1, n.title, n.content, n.owner_id, n.created_at_s
		FROM notes n
		WHERE NOT EXISTS (
			SELECT 1 FROM note_revisions r WHERE r.note_id = n.note_id
		);`
	return db.Exec(insert).Error
}
