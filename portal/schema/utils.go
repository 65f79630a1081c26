package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrDossierNotFound      = errors.New("dossier not found")
	ErrSectionNotFound      = errors.New("section not found")
	ErrVersionNotFound      = errors.New("version not found")
	ErrCollaboratorNotFound = errors.New("collaborator not found")
	ErrCatalogNotFound      = errors.New("question catalog not found")
	ErrUploadNotFound       = errors.New("upload not found")
	ErrDbAccessFailed       = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByEmail(email string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "email = ?", email)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by email", "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetDossier(dossierId uuid.UUID, db *gorm.DB, loadSections, loadCollaborators, loadUser bool) (Dossier, error) {
	var dossier Dossier

	var result *gorm.DB = db
	if loadSections {
		result = result.Preload("Sections", func(db *gorm.DB) *gorm.DB {
			return db.Order("dossier_sections.position ASC")
		}).Preload("Sections.Comments")
	}
	if loadCollaborators {
		result = result.Preload("Collaborators").Preload("Collaborators.User")
	}
	if loadUser {
		result = result.Preload("User")
	}
	result = result.First(&dossier, "id = ?", dossierId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return dossier, ErrDossierNotFound
		}
		slog.Error("sql error in get dossier", "dossier_id", dossierId, "error", result.Error)
		return dossier, ErrDbAccessFailed
	}

	return dossier, nil
}

func GetSection(dossierId, sectionId uuid.UUID, db *gorm.DB) (DossierSection, error) {
	var section DossierSection

	result := db.Preload("Comments").First(&section, "id = ? AND dossier_id = ?", sectionId, dossierId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return section, ErrSectionNotFound
		}
		slog.Error("sql error in get section", "dossier_id", dossierId, "section_id", sectionId, "error", result.Error)
		return section, ErrDbAccessFailed
	}

	return section, nil
}

func GetVersion(dossierId uuid.UUID, number int, db *gorm.DB) (DossierVersion, error) {
	var version DossierVersion

	result := db.First(&version, "dossier_id = ? AND number = ?", dossierId, number)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return version, ErrVersionNotFound
		}
		slog.Error("sql error in get version", "dossier_id", dossierId, "number", number, "error", result.Error)
		return version, ErrDbAccessFailed
	}

	return version, nil
}

func GetCollaborator(dossierId, userId uuid.UUID, db *gorm.DB) (DossierCollaborator, error) {
	var collab DossierCollaborator

	result := db.First(&collab, "dossier_id = ? AND user_id = ?", dossierId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return collab, ErrCollaboratorNotFound
		}
		slog.Error("sql error in get collaborator", "dossier_id", dossierId, "user_id", userId, "error", result.Error)
		return collab, ErrDbAccessFailed
	}

	return collab, nil
}

func GetCatalog(catalogId uuid.UUID, db *gorm.DB, loadSections bool) (QuestionCatalog, error) {
	var catalog QuestionCatalog

	var result *gorm.DB = db
	if loadSections {
		result = result.
			Preload("Sections", func(db *gorm.DB) *gorm.DB {
				return db.Order("catalog_sections.position ASC")
			}).
			Preload("Sections.Questions", func(db *gorm.DB) *gorm.DB {
				return db.Order("catalog_questions.position ASC")
			}).
			Preload("Sections.Questions.Options", func(db *gorm.DB) *gorm.DB {
				return db.Order("question_options.position ASC")
			})
	}
	result = result.First(&catalog, "id = ?", catalogId)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return catalog, ErrCatalogNotFound
		}
		slog.Error("sql error in get catalog", "catalog_id", catalogId, "error", result.Error)
		return catalog, ErrDbAccessFailed
	}

	return catalog, nil
}

func GetUpload(uploadId uuid.UUID, db *gorm.DB) (Upload, error) {
	var upload Upload

	result := db.Preload("Metadata").Preload("Tags").First(&upload, "id = ?", uploadId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return upload, ErrUploadNotFound
		}
		slog.Error("sql error in get upload", "upload_id", uploadId, "error", result.Error)
		return upload, ErrDbAccessFailed
	}

	return upload, nil
}

// AllModels lists every model for AutoMigrate and the migration runner.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Dossier{}, &DossierSection{}, &SectionComment{}, &DossierCollaborator{},
		&DossierVersion{}, &DossierResponse{}, &ExportRecord{},
		&QuestionCatalog{}, &CatalogSection{}, &CatalogQuestion{}, &QuestionOption{},
		&Upload{}, &UploadMetadata{}, &UploadTag{},
	}
}
