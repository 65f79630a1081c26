package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
	RoleCoach = "coach"
)

const (
	SubscriptionFree    = "free"
	SubscriptionPremium = "premium"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Username string `gorm:"unique;size:50;not null"`
	Email    string `gorm:"unique;size:254;not null"`
	Password []byte

	FirstName string `gorm:"size:100"`
	LastName  string `gorm:"size:100"`

	Role               string `gorm:"size:20;not null;default:'user'"`
	SubscriptionStatus string `gorm:"size:20;not null;default:'free'"`

	DossiersCreated int `gorm:"not null;default:0"`

	Dossiers       []Dossier
	Uploads        []Upload
	Collaborations []DossierCollaborator `gorm:"foreignKey:UserId;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Dossier statuses.
const (
	StatusDraft      = "draft"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// statusTransitions is the closed transition graph for dossier statuses.
// Every status write goes through CheckStatusTransition.
var statusTransitions = map[string][]string{
	StatusDraft:      {StatusGenerating},
	StatusGenerating: {StatusCompleted, StatusError},
	StatusError:      {StatusDraft, StatusGenerating},
	StatusCompleted:  {StatusDraft},
}

func CheckValidStatus(status string) error {
	switch status {
	case StatusDraft, StatusGenerating, StatusCompleted, StatusError:
		return nil
	}
	return fmt.Errorf("invalid dossier status '%v'", status)
}

func CheckStatusTransition(from, to string) error {
	for _, next := range statusTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid dossier status transition '%v' -> '%v'", from, to)
}

// Collaborator roles.
const (
	CollabViewer = "viewer"
	CollabEditor = "editor"
	CollabAdmin  = "admin"
)

func CheckValidCollaboratorRole(role string) error {
	switch role {
	case CollabViewer, CollabEditor, CollabAdmin:
		return nil
	}
	return fmt.Errorf("invalid collaborator role '%v'", role)
}

type Dossier struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Title               string `gorm:"size:200;not null"`
	Description         string
	TargetCertification string `gorm:"size:200"`

	Status   string `gorm:"size:20;not null;default:'draft'"`
	IsPublic bool   `gorm:"not null;default:false"`

	// Full generated document text, set when generation completes.
	Content      string
	CompletedAt  *time.Time
	ErrorMessage string

	// Revision is the optimistic concurrency token: writes must present the
	// revision they read, stale writes are rejected with a conflict.
	Revision       int `gorm:"not null;default:1"`
	CurrentVersion int `gorm:"not null;default:1"`

	GenModel         string `gorm:"size:100"`
	PromptTokens     int    `gorm:"not null;default:0"`
	CompletionTokens int    `gorm:"not null;default:0"`

	UserId uuid.UUID `gorm:"type:uuid;not null"`
	User   *User

	Sections      []DossierSection      `gorm:"constraint:OnDelete:CASCADE"`
	Collaborators []DossierCollaborator `gorm:"constraint:OnDelete:CASCADE"`
	Versions      []DossierVersion      `gorm:"constraint:OnDelete:CASCADE"`
	Responses     []DossierResponse     `gorm:"constraint:OnDelete:CASCADE"`
	Exports       []ExportRecord        `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type DossierSection struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DossierId uuid.UUID `gorm:"type:uuid;not null;index"`

	Title    string `gorm:"size:200;not null"`
	Content  string
	Position int `gorm:"not null"`

	AiGenerated  bool       `gorm:"not null;default:false"`
	LastEditedBy *uuid.UUID `gorm:"type:uuid"`

	Comments []SectionComment `gorm:"foreignKey:SectionId;constraint:OnDelete:CASCADE"`

	UpdatedAt time.Time
}

type SectionComment struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SectionId uuid.UUID `gorm:"type:uuid;not null;index"`

	AuthorId uuid.UUID `gorm:"type:uuid;not null"`
	Text     string    `gorm:"not null"`
	Resolved bool      `gorm:"not null;default:false"`

	// Replies reference their parent comment, one level of threading.
	ParentId *uuid.UUID `gorm:"type:uuid"`

	CreatedAt time.Time
}

type DossierCollaborator struct {
	DossierId uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    uuid.UUID `gorm:"type:uuid;primaryKey"`

	Role      string    `gorm:"size:20;not null;default:'viewer'"`
	InvitedBy uuid.UUID `gorm:"type:uuid"`

	Dossier *Dossier `gorm:"constraint:OnDelete:CASCADE"`
	User    *User    `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

// DossierVersion is an immutable snapshot of title/description/sections.
// Sections are stored as JSON including their stable ids so that restore is
// an identity join rather than a title-match guess.
type DossierVersion struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DossierId uuid.UUID `gorm:"type:uuid;not null;index"`

	Number      int    `gorm:"not null"`
	Title       string `gorm:"size:200;not null"`
	Description string
	Sections    string // JSON-encoded []SectionSnapshot
	Notes       string

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
}

// SectionSnapshot is the serialized form of a section inside a version.
type SectionSnapshot struct {
	Id          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Position    int       `json:"position"`
	AiGenerated bool      `json:"ai_generated"`
}

type DossierResponse struct {
	DossierId  uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuestionId uuid.UUID `gorm:"type:uuid;primaryKey"`

	Answer string

	UpdatedAt time.Time
}

// Export formats.
const (
	FormatPdf  = "pdf"
	FormatDocx = "docx"
	FormatTxt  = "txt"
)

type ExportRecord struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DossierId uuid.UUID `gorm:"type:uuid;not null;index"`

	Format   string `gorm:"size:10;not null"`
	Version  int    `gorm:"not null"`
	FileName string `gorm:"size:300;not null;index"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
}

// Question types.
const (
	QuestionText        = "text"
	QuestionTextarea    = "textarea"
	QuestionSelect      = "select"
	QuestionMultiselect = "multiselect"
	QuestionRadio       = "radio"
	QuestionCheckbox    = "checkbox"
	QuestionFile        = "file"
	QuestionDate        = "date"
)

func CheckValidQuestionType(questionType string) error {
	switch questionType {
	case QuestionText, QuestionTextarea, QuestionSelect, QuestionMultiselect,
		QuestionRadio, QuestionCheckbox, QuestionFile, QuestionDate:
		return nil
	}
	return fmt.Errorf("invalid question type '%v'", questionType)
}

// IsChoiceType reports whether a question type requires options.
func IsChoiceType(questionType string) bool {
	switch questionType {
	case QuestionSelect, QuestionMultiselect, QuestionRadio, QuestionCheckbox:
		return true
	}
	return false
}

type QuestionCatalog struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Title               string `gorm:"size:200;not null"`
	TargetCertification string `gorm:"size:200;not null;index"`
	Version             string `gorm:"size:50;not null;default:'1.0.0'"`
	IsActive            bool   `gorm:"not null;default:false"`

	Sections []CatalogSection `gorm:"foreignKey:CatalogId;constraint:OnDelete:CASCADE"`

	CreatedBy uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CatalogSection struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CatalogId uuid.UUID `gorm:"type:uuid;not null;index"`

	Title       string `gorm:"size:200;not null"`
	Description string
	Position    int `gorm:"not null"`

	Questions []CatalogQuestion `gorm:"foreignKey:SectionId;constraint:OnDelete:CASCADE"`
}

type CatalogQuestion struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SectionId uuid.UUID `gorm:"type:uuid;not null;index"`

	Text     string `gorm:"not null"`
	Type     string `gorm:"size:20;not null;default:'text'"`
	Required bool   `gorm:"not null;default:false"`
	Position int    `gorm:"not null"`

	AiPrompt string

	// Conditional display: show only when the referenced question has the
	// given answer value.
	DependsOnQuestionId *uuid.UUID `gorm:"type:uuid"`
	DependsOnValue      string

	Options []QuestionOption `gorm:"foreignKey:QuestionId;constraint:OnDelete:CASCADE"`
}

type QuestionOption struct {
	Id         uuid.UUID `gorm:"type:uuid;primaryKey"`
	QuestionId uuid.UUID `gorm:"type:uuid;not null;index"`

	Value    string `gorm:"size:200;not null"`
	Label    string `gorm:"size:200;not null"`
	Position int    `gorm:"not null"`
}

// Upload statuses.
const (
	UploadPending    = "pending"
	UploadProcessing = "processing"
	UploadCompleted  = "completed"
	UploadFailed     = "failed"
)

func CheckValidUploadStatus(status string) error {
	switch status {
	case UploadPending, UploadProcessing, UploadCompleted, UploadFailed:
		return nil
	}
	return fmt.Errorf("invalid upload status '%v'", status)
}

type Upload struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	UserId    uuid.UUID  `gorm:"type:uuid;not null;index"`
	DossierId *uuid.UUID `gorm:"type:uuid;index"`

	FileName  string `gorm:"size:300;not null"`
	Path      string `gorm:"size:500;not null"`
	MimeType  string `gorm:"size:100"`
	Size      int64  `gorm:"not null"`
	Extension string `gorm:"size:20"`

	Status string `gorm:"size:20;not null;default:'pending'"`

	Metadata []UploadMetadata `gorm:"foreignKey:UploadId;constraint:OnDelete:CASCADE"`
	Tags     []UploadTag      `gorm:"foreignKey:UploadId;constraint:OnDelete:CASCADE"`

	User *User `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

type UploadMetadata struct {
	UploadId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Key      string    `gorm:"primaryKey"`
	Value    string
}

type UploadTag struct {
	UploadId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Tag      string    `gorm:"primaryKey;size:100"`
}

func (u *Upload) GetMetadata() map[string]string {
	meta := make(map[string]string)
	for _, entry := range u.Metadata {
		meta[entry.Key] = entry.Value
	}
	return meta
}

func (u *Upload) GetTags() []string {
	tags := make([]string, 0, len(u.Tags))
	for _, tag := range u.Tags {
		tags = append(tags, tag.Tag)
	}
	return tags
}
