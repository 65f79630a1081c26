package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/schema"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrStaleRevision = errors.New("dossier was modified by another request, reload and retry")

type DossierService struct {
	db *gorm.DB

	userAuth auth.IdentityProvider

	export   *ExportService
	generate *GenerateService
}

func (s *DossierService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Post("/", s.Create)
	r.Get("/list", s.List)
	r.Get("/search", s.Search)
	r.Get("/download/{file_name}", s.export.Download)

	r.Route("/{dossier_id}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.DossierPermissionOnly(s.db, auth.ReadPermission))

			r.Get("/", s.Info)
			r.Get("/versions", s.ListVersions)
			r.Get("/responses", s.ListResponses)
			r.Get("/export", s.export.Export)
			r.Get("/exports", s.export.ListExports)
			r.Post("/leave", s.Leave)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.DossierPermissionOnly(s.db, auth.WritePermission))

			r.Put("/", s.Update)
			r.Post("/status", s.UpdateStatus)
			r.Post("/sections", s.AddSection)
			r.Put("/sections/{section_id}", s.UpdateSection)
			r.Delete("/sections/{section_id}", s.DeleteSection)
			r.Post("/sections/{section_id}/comments", s.AddComment)
			r.Post("/comments/{comment_id}/resolve", s.ResolveComment)
			r.Post("/responses", s.SaveResponses)
			r.Post("/versions", s.CreateVersion)
			r.Post("/versions/{number}/restore", s.RestoreVersion)
			r.Post("/generate/sections/{section_id}", s.generate.GenerateSection)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.DossierPermissionOnly(s.db, auth.ManagePermission))

			r.Post("/collaborators", s.AddCollaborator)
			r.Delete("/collaborators/{user_id}", s.RemoveCollaborator)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.DossierPermissionOnly(s.db, auth.OwnerPermission))

			r.Delete("/", s.Delete)
			r.Post("/visibility", s.SetVisibility)
			r.Post("/generate", s.generate.GenerateDossier)
		})
	})

	return r
}

// bumpRevision advances the optimistic concurrency token after any nested
// write (sections, comments, responses) so that concurrent metadata updates
// observe the change.
func bumpRevision(txn *gorm.DB, dossierId uuid.UUID) error {
	result := txn.Model(&schema.Dossier{Id: dossierId}).Update("revision", gorm.Expr("revision + 1"))
	if result.Error != nil {
		slog.Error("sql error bumping dossier revision", "dossier_id", dossierId, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func getDossierForUpdate(txn *gorm.DB, dossierId uuid.UUID) (schema.Dossier, error) {
	dossier, err := schema.GetDossier(dossierId, txn, false, false, false)
	if err != nil {
		if errors.Is(err, schema.ErrDossierNotFound) {
			return dossier, CodedError(err, http.StatusNotFound)
		}
		return dossier, CodedError(err, http.StatusInternalServerError)
	}
	return dossier, nil
}

type InitialSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type CreateDossierRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description"`
	TargetCertification string `json:"target_certification"`

	// Sections seeds the dossier outline at creation, in the given order.
	Sections []InitialSection `json:"sections"`
}

type CreateDossierResponse struct {
	DossierId uuid.UUID `json:"dossier_id"`
}

func (s *DossierService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params CreateDossierRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Title == "" {
		utils.WriteError(w, "dossier title is required", http.StatusBadRequest)
		return
	}
	if len(params.Title) > 200 {
		utils.WriteError(w, "dossier title must be at most 200 characters", http.StatusBadRequest)
		return
	}
	for _, section := range params.Sections {
		if section.Title == "" {
			utils.WriteError(w, "section title is required", http.StatusBadRequest)
			return
		}
	}

	dossier := schema.Dossier{
		Id:                  uuid.New(),
		Title:               params.Title,
		Description:         params.Description,
		TargetCertification: params.TargetCertification,
		Status:              schema.StatusDraft,
		Revision:            1,
		CurrentVersion:      1,
		UserId:              user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&dossier); result.Error != nil {
			slog.Error("sql error creating dossier", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		for i, section := range params.Sections {
			record := schema.DossierSection{
				Id:           uuid.New(),
				DossierId:    dossier.Id,
				Title:        section.Title,
				Content:      section.Content,
				Position:     i,
				LastEditedBy: &user.Id,
			}
			if result := txn.Create(&record); result.Error != nil {
				slog.Error("sql error creating initial dossier section", "dossier_id", dossier.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		result := txn.Model(&schema.User{Id: user.Id}).
			Update("dossiers_created", gorm.Expr("dossiers_created + 1"))
		if result.Error != nil {
			slog.Error("sql error incrementing dossier counter", "user_id", user.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("dossier created", "dossier_id", dossier.Id, "user_id", user.Id)

	utils.WriteJsonResponse(w, CreateDossierResponse{DossierId: dossier.Id})
}

type CommentInfo struct {
	Id       uuid.UUID  `json:"id"`
	AuthorId uuid.UUID  `json:"author_id"`
	Text     string     `json:"text"`
	Resolved bool       `json:"resolved"`
	ParentId *uuid.UUID `json:"parent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type SectionInfo struct {
	Id           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Position     int        `json:"position"`
	AiGenerated  bool       `json:"ai_generated"`
	LastEditedBy *uuid.UUID `json:"last_edited_by,omitempty"`

	Comments []CommentInfo `json:"comments"`

	UpdatedAt time.Time `json:"updated_at"`
}

type CollaboratorInfo struct {
	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
}

type DossierInfo struct {
	Id                  uuid.UUID `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	TargetCertification string    `json:"target_certification"`

	Status       string     `json:"status"`
	IsPublic     bool       `json:"is_public"`
	Content      string     `json:"content,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Revision       int `json:"revision"`
	CurrentVersion int `json:"current_version"`

	GenModel         string `json:"gen_model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`

	UserId   uuid.UUID `json:"user_id"`
	Username string    `json:"username,omitempty"`

	Sections      []SectionInfo      `json:"sections,omitempty"`
	Collaborators []CollaboratorInfo `json:"collaborators,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func dossierInfo(dossier schema.Dossier) DossierInfo {
	info := DossierInfo{
		Id:                  dossier.Id,
		Title:               dossier.Title,
		Description:         dossier.Description,
		TargetCertification: dossier.TargetCertification,
		Status:              dossier.Status,
		IsPublic:            dossier.IsPublic,
		Content:             dossier.Content,
		CompletedAt:         dossier.CompletedAt,
		ErrorMessage:        dossier.ErrorMessage,
		Revision:            dossier.Revision,
		CurrentVersion:      dossier.CurrentVersion,
		GenModel:            dossier.GenModel,
		PromptTokens:        dossier.PromptTokens,
		CompletionTokens:    dossier.CompletionTokens,
		UserId:              dossier.UserId,
		CreatedAt:           dossier.CreatedAt,
		UpdatedAt:           dossier.UpdatedAt,
	}
	if dossier.User != nil {
		info.Username = dossier.User.Username
	}

	for _, section := range dossier.Sections {
		sectionInfo := SectionInfo{
			Id:           section.Id,
			Title:        section.Title,
			Content:      section.Content,
			Position:     section.Position,
			AiGenerated:  section.AiGenerated,
			LastEditedBy: section.LastEditedBy,
			Comments:     make([]CommentInfo, 0, len(section.Comments)),
			UpdatedAt:    section.UpdatedAt,
		}
		for _, comment := range section.Comments {
			sectionInfo.Comments = append(sectionInfo.Comments, CommentInfo{
				Id:        comment.Id,
				AuthorId:  comment.AuthorId,
				Text:      comment.Text,
				Resolved:  comment.Resolved,
				ParentId:  comment.ParentId,
				CreatedAt: comment.CreatedAt,
			})
		}
		info.Sections = append(info.Sections, sectionInfo)
	}

	for _, collab := range dossier.Collaborators {
		collabInfo := CollaboratorInfo{UserId: collab.UserId, Role: collab.Role}
		if collab.User != nil {
			collabInfo.Username = collab.User.Username
			collabInfo.Email = collab.User.Email
		}
		info.Collaborators = append(info.Collaborators, collabInfo)
	}

	return info
}

func (s *DossierService) Info(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	dossier, err := schema.GetDossier(dossierId, s.db, true, true, true)
	if err != nil {
		if errors.Is(err, schema.ErrDossierNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, dossierInfo(dossier))
}

func (s *DossierService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("User").Order("updated_at DESC")
	if !user.IsAdmin() {
		shared := s.db.Model(&schema.DossierCollaborator{}).
			Select("dossier_id").Where("user_id = ?", user.Id)
		query = query.Where("user_id = ? OR id IN (?)", user.Id, shared)
	}

	var dossiers []schema.Dossier
	if result := query.Find(&dossiers); result.Error != nil {
		slog.Error("sql error listing dossiers", "user_id", user.Id, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]DossierInfo, 0, len(dossiers))
	for _, dossier := range dossiers {
		infos = append(infos, dossierInfo(dossier))
	}

	utils.WriteJsonResponse(w, infos)
}

// Search matches dossiers visible to the caller (owned, shared, or public)
// against title and description, and optionally section content. Results are
// ordered by recency since relevance ranking is not portable between the
// sqlite and postgres backends.
func (s *DossierService) Search(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	term := r.URL.Query().Get("q")
	if term == "" {
		utils.WriteError(w, "missing 'q' query parameter", http.StatusBadRequest)
		return
	}
	pattern := "%" + term + "%"

	query := s.db.Preload("User").Order("updated_at DESC")

	if !user.IsAdmin() {
		shared := s.db.Model(&schema.DossierCollaborator{}).
			Select("dossier_id").Where("user_id = ?", user.Id)
		query = query.Where("user_id = ? OR is_public = ? OR id IN (?)", user.Id, true, shared)
	}

	match := s.db.Where("title LIKE ? OR description LIKE ?", pattern, pattern)
	if r.URL.Query().Get("in_sections") == "true" {
		inSections := s.db.Model(&schema.DossierSection{}).
			Select("dossier_id").Where("content LIKE ? OR title LIKE ?", pattern, pattern)
		match = match.Or("id IN (?)", inSections)
	}
	query = query.Where(match)

	if status := r.URL.Query().Get("status"); status != "" {
		if err := schema.CheckValidStatus(status); err != nil {
			utils.WriteError(w, err.Error(), http.StatusBadRequest)
			return
		}
		query = query.Where("status = ?", status)
	}
	if certification := r.URL.Query().Get("certification"); certification != "" {
		query = query.Where("target_certification = ?", certification)
	}

	var dossiers []schema.Dossier
	if result := query.Find(&dossiers); result.Error != nil {
		slog.Error("sql error searching dossiers", "user_id", user.Id, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]DossierInfo, 0, len(dossiers))
	for _, dossier := range dossiers {
		infos = append(infos, dossierInfo(dossier))
	}

	utils.WriteJsonResponse(w, infos)
}

type UpdateDossierRequest struct {
	Revision int `json:"revision"`

	Title               *string `json:"title"`
	Description         *string `json:"description"`
	TargetCertification *string `json:"target_certification"`
}

func (s *DossierService) Update(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params UpdateDossierRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Title != nil && (*params.Title == "" || len(*params.Title) > 200) {
		utils.WriteError(w, "dossier title must be between 1 and 200 characters", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := getDossierForUpdate(txn, dossierId); err != nil {
			return err
		}

		updates := map[string]interface{}{"revision": params.Revision + 1}
		if params.Title != nil {
			updates["title"] = *params.Title
		}
		if params.Description != nil {
			updates["description"] = *params.Description
		}
		if params.TargetCertification != nil {
			updates["target_certification"] = *params.TargetCertification
		}

		// Conditional on the revision the client saw. Zero rows means another
		// editor got there first.
		result := txn.Model(&schema.Dossier{}).
			Where("id = ? AND revision = ?", dossierId, params.Revision).
			Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating dossier", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(ErrStaleRevision, http.StatusConflict)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *DossierService) Delete(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkDossierExists(txn, dossierId); err != nil {
			return err
		}

		result := txn.Select("Sections", "Collaborators", "Versions", "Responses", "Exports").
			Delete(&schema.Dossier{Id: dossierId})
		if result.Error != nil {
			slog.Error("sql error deleting dossier", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("dossier deleted", "dossier_id", dossierId)

	utils.WriteSuccess(w)
}

type SetVisibilityRequest struct {
	IsPublic bool `json:"is_public"`
}

func (s *DossierService) SetVisibility(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params SetVisibilityRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result := s.db.Model(&schema.Dossier{Id: dossierId}).Update("is_public", params.IsPublic)
	if result.Error != nil {
		slog.Error("sql error updating dossier visibility", "dossier_id", dossierId, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

type UpdateStatusRequest struct {
	Status string `json:"status"`

	Content      string `json:"content"`
	ErrorMessage string `json:"error_message"`
}

// UpdateStatus applies a transition through the status graph. Completion
// requires content and stamps CompletedAt, moving back to draft clears the
// generation outcome fields.
func (s *DossierService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params UpdateStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidStatus(params.Status); err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		dossier, err := getDossierForUpdate(txn, dossierId)
		if err != nil {
			return err
		}

		if err := schema.CheckStatusTransition(dossier.Status, params.Status); err != nil {
			return CodedError(err, http.StatusConflict)
		}

		updates := map[string]interface{}{
			"status":   params.Status,
			"revision": dossier.Revision + 1,
		}
		switch params.Status {
		case schema.StatusCompleted:
			content := params.Content
			if content == "" {
				content = dossier.Content
			}
			if content == "" {
				return CodedError(errors.New("cannot mark dossier completed without content"), http.StatusBadRequest)
			}
			now := time.Now().UTC()
			updates["content"] = content
			updates["completed_at"] = &now
			updates["error_message"] = ""
		case schema.StatusError:
			if params.ErrorMessage == "" {
				return CodedError(errors.New("error status requires an error_message"), http.StatusBadRequest)
			}
			updates["error_message"] = params.ErrorMessage
		case schema.StatusDraft:
			updates["completed_at"] = nil
			updates["error_message"] = ""
		}

		// Conditional on the revision read above, same as Update.
		result := txn.Model(&schema.Dossier{}).
			Where("id = ? AND revision = ?", dossierId, dossier.Revision).
			Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating dossier status", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(ErrStaleRevision, http.StatusConflict)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type AddSectionRequest struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Position *int   `json:"position"`
}

type AddSectionResponse struct {
	SectionId uuid.UUID `json:"section_id"`
}

func (s *DossierService) AddSection(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params AddSectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Title == "" {
		utils.WriteError(w, "section title is required", http.StatusBadRequest)
		return
	}

	section := schema.DossierSection{
		Id:           uuid.New(),
		DossierId:    dossierId,
		Title:        params.Title,
		Content:      params.Content,
		LastEditedBy: &user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if params.Position != nil {
			section.Position = *params.Position
		} else {
			var maxPosition *int
			row := txn.Model(&schema.DossierSection{}).
				Where("dossier_id = ?", dossierId).Select("max(position)").Row()
			if err := row.Scan(&maxPosition); err != nil {
				slog.Error("sql error finding max section position", "dossier_id", dossierId, "error", err)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if maxPosition != nil {
				section.Position = *maxPosition + 1
			}
		}

		if result := txn.Create(&section); result.Error != nil {
			slog.Error("sql error creating dossier section", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, AddSectionResponse{SectionId: section.Id})
}

type UpdateSectionRequest struct {
	Title    *string `json:"title"`
	Content  *string `json:"content"`
	Position *int    `json:"position"`
}

func (s *DossierService) UpdateSection(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sectionId, err := utils.URLParamUUID(r, "section_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params UpdateSectionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Title != nil && *params.Title == "" {
		utils.WriteError(w, "section title cannot be empty", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetSection(dossierId, sectionId, txn); err != nil {
			if errors.Is(err, schema.ErrSectionNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		updates := map[string]interface{}{"last_edited_by": user.Id}
		if params.Title != nil {
			updates["title"] = *params.Title
		}
		if params.Content != nil {
			updates["content"] = *params.Content
			// Manual edits clear the generated flag.
			updates["ai_generated"] = false
		}
		if params.Position != nil {
			updates["position"] = *params.Position
		}

		result := txn.Model(&schema.DossierSection{Id: sectionId}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating dossier section", "section_id", sectionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *DossierService) DeleteSection(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sectionId, err := utils.URLParamUUID(r, "section_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetSection(dossierId, sectionId, txn); err != nil {
			if errors.Is(err, schema.ErrSectionNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Select("Comments").Delete(&schema.DossierSection{Id: sectionId})
		if result.Error != nil {
			slog.Error("sql error deleting dossier section", "section_id", sectionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type AddCommentRequest struct {
	Text     string     `json:"text"`
	ParentId *uuid.UUID `json:"parent_id"`
}

type AddCommentResponse struct {
	CommentId uuid.UUID `json:"comment_id"`
}

func (s *DossierService) AddComment(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sectionId, err := utils.URLParamUUID(r, "section_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params AddCommentRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Text == "" {
		utils.WriteError(w, "comment text is required", http.StatusBadRequest)
		return
	}

	comment := schema.SectionComment{
		Id:        uuid.New(),
		SectionId: sectionId,
		AuthorId:  user.Id,
		Text:      params.Text,
		ParentId:  params.ParentId,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetSection(dossierId, sectionId, txn); err != nil {
			if errors.Is(err, schema.ErrSectionNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if params.ParentId != nil {
			var parent schema.SectionComment
			result := txn.Limit(1).Find(&parent, "id = ? AND section_id = ?", params.ParentId, sectionId)
			if result.Error != nil {
				slog.Error("sql error finding parent comment", "comment_id", params.ParentId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if result.RowsAffected == 0 {
				return CodedError(errors.New("parent comment not found in section"), http.StatusNotFound)
			}
			if parent.ParentId != nil {
				return CodedError(errors.New("replies cannot be nested more than one level"), http.StatusBadRequest)
			}
		}

		if result := txn.Create(&comment); result.Error != nil {
			slog.Error("sql error creating section comment", "section_id", sectionId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, AddCommentResponse{CommentId: comment.Id})
}

func (s *DossierService) ResolveComment(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	commentId, err := utils.URLParamUUID(r, "comment_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var comment schema.SectionComment
		result := txn.
			Joins("JOIN dossier_sections ON dossier_sections.id = section_comments.section_id").
			Where("section_comments.id = ? AND dossier_sections.dossier_id = ?", commentId, dossierId).
			Limit(1).Find(&comment)
		if result.Error != nil {
			slog.Error("sql error finding comment", "comment_id", commentId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(errors.New("comment not found"), http.StatusNotFound)
		}

		update := txn.Model(&schema.SectionComment{Id: commentId}).Update("resolved", true)
		if update.Error != nil {
			slog.Error("sql error resolving comment", "comment_id", commentId, "error", update.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type SaveResponsesRequest struct {
	Responses map[uuid.UUID]string `json:"responses"`
}

// SaveResponses merges questionnaire answers into the dossier, last write
// wins per question.
func (s *DossierService) SaveResponses(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params SaveResponsesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.Responses) == 0 {
		utils.WriteError(w, "no responses provided", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		for questionId, answer := range params.Responses {
			response := schema.DossierResponse{
				DossierId:  dossierId,
				QuestionId: questionId,
				Answer:     answer,
			}
			result := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&response)
			if result.Error != nil {
				slog.Error("sql error saving dossier response", "dossier_id", dossierId, "question_id", questionId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		return bumpRevision(txn, dossierId)
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type ResponseInfo struct {
	QuestionId uuid.UUID `json:"question_id"`
	Answer     string    `json:"answer"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (s *DossierService) ListResponses(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var responses []schema.DossierResponse
	result := s.db.Where("dossier_id = ?", dossierId).Find(&responses)
	if result.Error != nil {
		slog.Error("sql error listing dossier responses", "dossier_id", dossierId, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]ResponseInfo, 0, len(responses))
	for _, response := range responses {
		infos = append(infos, ResponseInfo{
			QuestionId: response.QuestionId,
			Answer:     response.Answer,
			UpdatedAt:  response.UpdatedAt,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

type CreateVersionRequest struct {
	Notes string `json:"notes"`
}

type CreateVersionResponse struct {
	Number int `json:"number"`
}

// snapshotDossier writes an immutable version of the dossier's current title,
// description, and sections, then advances CurrentVersion. Must run inside a
// transaction.
func snapshotDossier(txn *gorm.DB, dossier schema.Dossier, notes string, createdBy uuid.UUID) (int, error) {
	var sections []schema.DossierSection
	result := txn.Where("dossier_id = ?", dossier.Id).Order("position ASC").Find(&sections)
	if result.Error != nil {
		slog.Error("sql error loading sections for version", "dossier_id", dossier.Id, "error", result.Error)
		return 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	snapshots := make([]schema.SectionSnapshot, 0, len(sections))
	for _, section := range sections {
		snapshots = append(snapshots, schema.SectionSnapshot{
			Id:          section.Id,
			Title:       section.Title,
			Content:     section.Content,
			Position:    section.Position,
			AiGenerated: section.AiGenerated,
		})
	}

	encoded, err := json.Marshal(snapshots)
	if err != nil {
		return 0, CodedError(fmt.Errorf("error serializing section snapshots: %w", err), http.StatusInternalServerError)
	}

	version := schema.DossierVersion{
		Id:          uuid.New(),
		DossierId:   dossier.Id,
		Number:      dossier.CurrentVersion,
		Title:       dossier.Title,
		Description: dossier.Description,
		Sections:    string(encoded),
		Notes:       notes,
		CreatedBy:   createdBy,
	}

	if result := txn.Create(&version); result.Error != nil {
		slog.Error("sql error creating dossier version", "dossier_id", dossier.Id, "error", result.Error)
		return 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	update := txn.Model(&schema.Dossier{Id: dossier.Id}).Updates(map[string]interface{}{
		"current_version": dossier.CurrentVersion + 1,
		"revision":        gorm.Expr("revision + 1"),
	})
	if update.Error != nil {
		slog.Error("sql error advancing current version", "dossier_id", dossier.Id, "error", update.Error)
		return 0, CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}

	return version.Number, nil
}

func (s *DossierService) CreateVersion(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params CreateVersionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var number int
	err = s.db.Transaction(func(txn *gorm.DB) error {
		dossier, err := getDossierForUpdate(txn, dossierId)
		if err != nil {
			return err
		}

		number, err = snapshotDossier(txn, dossier, params.Notes, user.Id)
		return err
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, CreateVersionResponse{Number: number})
}

type VersionInfo struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Notes       string `json:"notes,omitempty"`

	Sections []schema.SectionSnapshot `json:"sections"`

	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func versionInfo(version schema.DossierVersion) (VersionInfo, error) {
	info := VersionInfo{
		Number:      version.Number,
		Title:       version.Title,
		Description: version.Description,
		Notes:       version.Notes,
		Sections:    []schema.SectionSnapshot{},
		CreatedBy:   version.CreatedBy,
		CreatedAt:   version.CreatedAt,
	}
	if version.Sections != "" {
		if err := json.Unmarshal([]byte(version.Sections), &info.Sections); err != nil {
			return info, fmt.Errorf("error parsing section snapshots for version %d: %w", version.Number, err)
		}
	}
	return info, nil
}

func (s *DossierService) ListVersions(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var versions []schema.DossierVersion
	result := s.db.Where("dossier_id = ?", dossierId).Order("number ASC").Find(&versions)
	if result.Error != nil {
		slog.Error("sql error listing dossier versions", "dossier_id", dossierId, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]VersionInfo, 0, len(versions))
	for _, version := range versions {
		info, err := versionInfo(version)
		if err != nil {
			utils.WriteError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		infos = append(infos, info)
	}

	utils.WriteJsonResponse(w, infos)
}

// RestoreVersion rolls the dossier back to a stored snapshot. The current
// state is saved as an automatic backup version first, so a restore is itself
// always reversible. Snapshot sections are matched to live sections by their
// stable ids, with a title match as fallback for snapshots recorded before
// ids were stored (ties broken by lowest position).
func (s *DossierService) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	number, err := utils.URLParamInt(r, "number")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		version, err := schema.GetVersion(dossierId, number, txn)
		if err != nil {
			if errors.Is(err, schema.ErrVersionNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		var snapshots []schema.SectionSnapshot
		if version.Sections != "" {
			if err := json.Unmarshal([]byte(version.Sections), &snapshots); err != nil {
				return CodedError(fmt.Errorf("error parsing section snapshots: %w", err), http.StatusInternalServerError)
			}
		}

		dossier, err := getDossierForUpdate(txn, dossierId)
		if err != nil {
			return err
		}

		backupNotes := fmt.Sprintf("automatic backup before restoring version %d", number)
		if _, err := snapshotDossier(txn, dossier, backupNotes, user.Id); err != nil {
			return err
		}

		var sections []schema.DossierSection
		result := txn.Where("dossier_id = ?", dossierId).Order("position ASC").Find(&sections)
		if result.Error != nil {
			slog.Error("sql error loading sections for restore", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		byId := make(map[uuid.UUID]*schema.DossierSection, len(sections))
		for i := range sections {
			byId[sections[i].Id] = &sections[i]
		}

		matched := make(map[uuid.UUID]bool)
		for _, snapshot := range snapshots {
			target := byId[snapshot.Id]
			if target == nil {
				// Sections are ordered by position, the first title match wins.
				for i := range sections {
					if !matched[sections[i].Id] && sections[i].Title == snapshot.Title {
						target = &sections[i]
						break
					}
				}
			}

			if target != nil && !matched[target.Id] {
				matched[target.Id] = true
				update := txn.Model(&schema.DossierSection{Id: target.Id}).Updates(map[string]interface{}{
					"title":          snapshot.Title,
					"content":        snapshot.Content,
					"position":       snapshot.Position,
					"ai_generated":   snapshot.AiGenerated,
					"last_edited_by": user.Id,
				})
				if update.Error != nil {
					slog.Error("sql error restoring section", "section_id", target.Id, "error", update.Error)
					return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
				}
				continue
			}

			restored := schema.DossierSection{
				Id:           snapshot.Id,
				DossierId:    dossierId,
				Title:        snapshot.Title,
				Content:      snapshot.Content,
				Position:     snapshot.Position,
				AiGenerated:  snapshot.AiGenerated,
				LastEditedBy: &user.Id,
			}
			if restored.Id == uuid.Nil {
				restored.Id = uuid.New()
			}
			matched[restored.Id] = true
			if result := txn.Create(&restored); result.Error != nil {
				slog.Error("sql error recreating restored section", "dossier_id", dossierId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		// Sections not present in the snapshot are removed.
		for i := range sections {
			if !matched[sections[i].Id] {
				result := txn.Select("Comments").Delete(&schema.DossierSection{Id: sections[i].Id})
				if result.Error != nil {
					slog.Error("sql error removing section during restore", "section_id", sections[i].Id, "error", result.Error)
					return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
				}
			}
		}

		update := txn.Model(&schema.Dossier{Id: dossierId}).Updates(map[string]interface{}{
			"title":       version.Title,
			"description": version.Description,
			"revision":    gorm.Expr("revision + 1"),
		})
		if update.Error != nil {
			slog.Error("sql error restoring dossier metadata", "dossier_id", dossierId, "error", update.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("dossier version restored", "dossier_id", dossierId, "number", number, "user_id", user.Id)

	utils.WriteSuccess(w)
}

type AddCollaboratorRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *DossierService) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params AddCollaboratorRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := schema.CheckValidCollaboratorRole(params.Role); err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		invitee, err := schema.GetUserByEmail(params.Email, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(fmt.Errorf("no user found with email '%v'", params.Email), http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		dossier, err := getDossierForUpdate(txn, dossierId)
		if err != nil {
			return err
		}
		if dossier.UserId == invitee.Id {
			return CodedError(errors.New("dossier owner cannot be added as a collaborator"), http.StatusBadRequest)
		}

		// Upsert: inviting an existing collaborator updates their role.
		collab := schema.DossierCollaborator{
			DossierId: dossierId,
			UserId:    invitee.Id,
			Role:      params.Role,
			InvitedBy: user.Id,
		}
		if result := txn.Clauses(clause.OnConflict{UpdateAll: true}).Create(&collab); result.Error != nil {
			slog.Error("sql error adding collaborator", "dossier_id", dossierId, "user_id", invitee.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *DossierService) removeCollaborator(w http.ResponseWriter, dossierId, userId uuid.UUID) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetCollaborator(dossierId, userId, txn); err != nil {
			if errors.Is(err, schema.ErrCollaboratorNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		result := txn.Delete(&schema.DossierCollaborator{DossierId: dossierId, UserId: userId})
		if result.Error != nil {
			slog.Error("sql error removing collaborator", "dossier_id", dossierId, "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *DossierService) RemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.removeCollaborator(w, dossierId, userId)
}

// Leave lets a collaborator remove themselves without manage rights.
func (s *DossierService) Leave(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.removeCollaborator(w, dossierId, user.Id)
}
