package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/schema"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CatalogService struct {
	db *gorm.DB

	userAuth auth.IdentityProvider
}

func (s *CatalogService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/list", s.List)
		r.Get("/{catalog_id}", s.Info)
		r.Post("/{catalog_id}/validate", s.ValidateResponses)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Post("/import", s.Import)
		r.Put("/{catalog_id}", s.Update)
		r.Delete("/{catalog_id}", s.Delete)
		r.Post("/{catalog_id}/activate", s.Activate)
	})

	return r
}

// Import file layout. Questions may carry a file-local key so later questions
// can reference them in depends_on before ids exist.
type CatalogImport struct {
	Title               string `json:"title"`
	TargetCertification string `json:"target_certification"`
	Version             string `json:"version"`

	Sections []CatalogImportSection `json:"sections"`
}

type CatalogImportSection struct {
	Title       string `json:"title"`
	Description string `json:"description"`

	Questions []CatalogImportQuestion `json:"questions"`
}

type CatalogImportQuestion struct {
	Key string `json:"key"`

	Text     string `json:"text"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	AiPrompt string `json:"ai_prompt"`

	DependsOn *CatalogImportDependency `json:"depends_on"`

	Options []CatalogImportOption `json:"options"`
}

type CatalogImportDependency struct {
	Question string `json:"question"`
	Value    string `json:"value"`
}

type CatalogImportOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// validateImport collects every problem instead of stopping at the first so
// that catalog authors can fix a file in one pass.
func validateImport(catalog CatalogImport) []string {
	var issues []string

	if catalog.Title == "" {
		issues = append(issues, "catalog title is required")
	}
	if catalog.TargetCertification == "" {
		issues = append(issues, "catalog target_certification is required")
	}
	if len(catalog.Sections) == 0 {
		issues = append(issues, "catalog must have at least one section")
	}

	keys := map[string]bool{}
	for _, section := range catalog.Sections {
		for _, question := range section.Questions {
			if question.Key != "" {
				if keys[question.Key] {
					issues = append(issues, fmt.Sprintf("duplicate question key '%v'", question.Key))
				}
				keys[question.Key] = true
			}
		}
	}

	for i, section := range catalog.Sections {
		where := fmt.Sprintf("section %d", i+1)
		if section.Title == "" {
			issues = append(issues, fmt.Sprintf("%v: title is required", where))
		} else {
			where = fmt.Sprintf("section '%v'", section.Title)
		}
		if len(section.Questions) == 0 {
			issues = append(issues, fmt.Sprintf("%v: must have at least one question", where))
		}

		for j, question := range section.Questions {
			at := fmt.Sprintf("%v question %d", where, j+1)
			if question.Text == "" {
				issues = append(issues, fmt.Sprintf("%v: text is required", at))
			}
			if err := schema.CheckValidQuestionType(question.Type); err != nil {
				issues = append(issues, fmt.Sprintf("%v: %v", at, err))
				continue
			}
			if schema.IsChoiceType(question.Type) {
				if len(question.Options) == 0 {
					issues = append(issues, fmt.Sprintf("%v: choice questions require at least one option", at))
				}
				for k, option := range question.Options {
					if option.Value == "" || option.Label == "" {
						issues = append(issues, fmt.Sprintf("%v option %d: value and label are both required", at, k+1))
					}
				}
			} else if len(question.Options) > 0 {
				issues = append(issues, fmt.Sprintf("%v: options are only allowed on choice questions", at))
			}
			if question.DependsOn != nil && !keys[question.DependsOn.Question] {
				issues = append(issues, fmt.Sprintf("%v: depends_on references unknown question key '%v'", at, question.DependsOn.Question))
			}
		}
	}

	return issues
}

func writeValidationErrors(w http.ResponseWriter, message string, issues []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	err := json.NewEncoder(w).Encode(utils.Envelope{
		Success: false, Message: message, Error: message, Data: issues,
	})
	if err != nil {
		slog.Error("error serializing validation errors", "error", err)
	}
}

type ImportCatalogResponse struct {
	CatalogId uuid.UUID `json:"catalog_id"`
}

func (s *CatalogService) Import(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := r.ParseMultipartForm(16 * 1024 * 1024); err != nil {
		utils.WriteError(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		utils.WriteError(w, "missing 'file' form field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	var params CatalogImport
	if err := json.NewDecoder(file).Decode(&params); err != nil {
		utils.WriteError(w, fmt.Sprintf("error parsing catalog file: %v", err), http.StatusBadRequest)
		return
	}

	if issues := validateImport(params); len(issues) > 0 {
		writeValidationErrors(w, "catalog validation failed", issues)
		return
	}

	catalog := schema.QuestionCatalog{
		Id:                  uuid.New(),
		Title:               params.Title,
		TargetCertification: params.TargetCertification,
		Version:             params.Version,
		CreatedBy:           user.Id,
	}
	if catalog.Version == "" {
		catalog.Version = "1.0.0"
	}

	questionIds := map[string]uuid.UUID{}
	for _, section := range params.Sections {
		for _, question := range section.Questions {
			if question.Key != "" {
				questionIds[question.Key] = uuid.New()
			}
		}
	}

	for i, section := range params.Sections {
		catalogSection := schema.CatalogSection{
			Id:          uuid.New(),
			CatalogId:   catalog.Id,
			Title:       section.Title,
			Description: section.Description,
			Position:    i,
		}
		for j, question := range section.Questions {
			catalogQuestion := schema.CatalogQuestion{
				Id:        uuid.New(),
				SectionId: catalogSection.Id,
				Text:      question.Text,
				Type:      question.Type,
				Required:  question.Required,
				Position:  j,
				AiPrompt:  question.AiPrompt,
			}
			if question.Key != "" {
				catalogQuestion.Id = questionIds[question.Key]
			}
			if question.DependsOn != nil {
				dependsOn := questionIds[question.DependsOn.Question]
				catalogQuestion.DependsOnQuestionId = &dependsOn
				catalogQuestion.DependsOnValue = question.DependsOn.Value
			}
			for k, option := range question.Options {
				catalogQuestion.Options = append(catalogQuestion.Options, schema.QuestionOption{
					Id:         uuid.New(),
					QuestionId: catalogQuestion.Id,
					Value:      option.Value,
					Label:      option.Label,
					Position:   k,
				})
			}
			catalogSection.Questions = append(catalogSection.Questions, catalogQuestion)
		}
		catalog.Sections = append(catalog.Sections, catalogSection)
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&catalog); result.Error != nil {
			slog.Error("sql error creating question catalog", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("question catalog imported", "catalog_id", catalog.Id, "target_certification", catalog.TargetCertification)

	utils.WriteJsonResponse(w, ImportCatalogResponse{CatalogId: catalog.Id})
}

type OptionInfo struct {
	Id       uuid.UUID `json:"id"`
	Value    string    `json:"value"`
	Label    string    `json:"label"`
	Position int       `json:"position"`
}

type QuestionInfo struct {
	Id       uuid.UUID `json:"id"`
	Text     string    `json:"text"`
	Type     string    `json:"type"`
	Required bool      `json:"required"`
	Position int       `json:"position"`
	AiPrompt string    `json:"ai_prompt,omitempty"`

	DependsOnQuestionId *uuid.UUID `json:"depends_on_question_id,omitempty"`
	DependsOnValue      string     `json:"depends_on_value,omitempty"`

	Options []OptionInfo `json:"options,omitempty"`
}

type CatalogSectionInfo struct {
	Id          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Position    int       `json:"position"`

	Questions []QuestionInfo `json:"questions"`
}

type CatalogInfo struct {
	Id                  uuid.UUID `json:"id"`
	Title               string    `json:"title"`
	TargetCertification string    `json:"target_certification"`
	Version             string    `json:"version"`
	IsActive            bool      `json:"is_active"`

	Sections []CatalogSectionInfo `json:"sections,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func catalogInfo(catalog schema.QuestionCatalog) CatalogInfo {
	info := CatalogInfo{
		Id:                  catalog.Id,
		Title:               catalog.Title,
		TargetCertification: catalog.TargetCertification,
		Version:             catalog.Version,
		IsActive:            catalog.IsActive,
		CreatedAt:           catalog.CreatedAt,
		UpdatedAt:           catalog.UpdatedAt,
	}

	for _, section := range catalog.Sections {
		sectionInfo := CatalogSectionInfo{
			Id:          section.Id,
			Title:       section.Title,
			Description: section.Description,
			Position:    section.Position,
			Questions:   make([]QuestionInfo, 0, len(section.Questions)),
		}
		for _, question := range section.Questions {
			questionInfo := QuestionInfo{
				Id:                  question.Id,
				Text:                question.Text,
				Type:                question.Type,
				Required:            question.Required,
				Position:            question.Position,
				AiPrompt:            question.AiPrompt,
				DependsOnQuestionId: question.DependsOnQuestionId,
				DependsOnValue:      question.DependsOnValue,
			}
			for _, option := range question.Options {
				questionInfo.Options = append(questionInfo.Options, OptionInfo{
					Id: option.Id, Value: option.Value, Label: option.Label, Position: option.Position,
				})
			}
			sectionInfo.Questions = append(sectionInfo.Questions, questionInfo)
		}
		info.Sections = append(info.Sections, sectionInfo)
	}

	return info
}

func (s *CatalogService) List(w http.ResponseWriter, r *http.Request) {
	query := s.db.Order("created_at ASC")
	if r.URL.Query().Get("active") == "true" {
		query = query.Where("is_active = ?", true)
	}
	if certification := r.URL.Query().Get("certification"); certification != "" {
		query = query.Where("target_certification = ?", certification)
	}

	var catalogs []schema.QuestionCatalog
	if result := query.Find(&catalogs); result.Error != nil {
		slog.Error("sql error listing question catalogs", "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]CatalogInfo, 0, len(catalogs))
	for _, catalog := range catalogs {
		infos = append(infos, catalogInfo(catalog))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *CatalogService) Info(w http.ResponseWriter, r *http.Request) {
	catalogId, err := utils.URLParamUUID(r, "catalog_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	catalog, err := schema.GetCatalog(catalogId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrCatalogNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, catalogInfo(catalog))
}

type UpdateCatalogRequest struct {
	Title               *string `json:"title"`
	Version             *string `json:"version"`
	TargetCertification *string `json:"target_certification"`
}

func (s *CatalogService) Update(w http.ResponseWriter, r *http.Request) {
	catalogId, err := utils.URLParamUUID(r, "catalog_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params UpdateCatalogRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Title != nil && *params.Title == "" {
		utils.WriteError(w, "catalog title cannot be empty", http.StatusBadRequest)
		return
	}
	if params.TargetCertification != nil && *params.TargetCertification == "" {
		utils.WriteError(w, "catalog target_certification cannot be empty", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		catalog, err := schema.GetCatalog(catalogId, txn, false)
		if err != nil {
			if errors.Is(err, schema.ErrCatalogNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		updates := map[string]interface{}{}
		if params.Title != nil {
			updates["title"] = *params.Title
		}
		if params.Version != nil {
			updates["version"] = *params.Version
		}
		if params.TargetCertification != nil {
			if catalog.IsActive && *params.TargetCertification != catalog.TargetCertification {
				if err := checkNoActiveCatalog(txn, *params.TargetCertification, catalogId); err != nil {
					return err
				}
			}
			updates["target_certification"] = *params.TargetCertification
		}
		if len(updates) == 0 {
			return nil
		}

		result := txn.Model(&schema.QuestionCatalog{Id: catalogId}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating question catalog", "catalog_id", catalogId, "error", result.Error)
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

func (s *CatalogService) Delete(w http.ResponseWriter, r *http.Request) {
	catalogId, err := utils.URLParamUUID(r, "catalog_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetCatalog(catalogId, txn, false); err != nil {
			if errors.Is(err, schema.ErrCatalogNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		sections := txn.Model(&schema.CatalogSection{}).Select("id").Where("catalog_id = ?", catalogId)
		questions := txn.Model(&schema.CatalogQuestion{}).Select("id").Where("section_id IN (?)", sections)

		steps := []*gorm.DB{
			txn.Where("question_id IN (?)", questions).Delete(&schema.QuestionOption{}),
			txn.Where("section_id IN (?)", sections).Delete(&schema.CatalogQuestion{}),
			txn.Where("catalog_id = ?", catalogId).Delete(&schema.CatalogSection{}),
			txn.Delete(&schema.QuestionCatalog{Id: catalogId}),
		}
		for _, step := range steps {
			if step.Error != nil {
				slog.Error("sql error deleting question catalog", "catalog_id", catalogId, "error", step.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func checkNoActiveCatalog(txn *gorm.DB, targetCertification string, excludeId uuid.UUID) error {
	var active schema.QuestionCatalog
	result := txn.Limit(1).
		Find(&active, "target_certification = ? AND is_active = ? AND id <> ?", targetCertification, true, excludeId)
	if result.Error != nil {
		slog.Error("sql error checking for active catalog", "target_certification", targetCertification, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected > 0 {
		return CodedError(fmt.Errorf("catalog %v is already active for certification '%v'", active.Id, targetCertification), http.StatusConflict)
	}
	return nil
}

type ActivateCatalogRequest struct {
	Active bool `json:"active"`
}

// Activate toggles a catalog. The uniqueness check and the flag write run in
// the same transaction so two concurrent activations for one certification
// cannot both succeed.
func (s *CatalogService) Activate(w http.ResponseWriter, r *http.Request) {
	catalogId, err := utils.URLParamUUID(r, "catalog_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params ActivateCatalogRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		catalog, err := schema.GetCatalog(catalogId, txn, false)
		if err != nil {
			if errors.Is(err, schema.ErrCatalogNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if params.Active {
			if err := checkNoActiveCatalog(txn, catalog.TargetCertification, catalogId); err != nil {
				return err
			}
		}

		result := txn.Model(&schema.QuestionCatalog{Id: catalogId}).Update("is_active", params.Active)
		if result.Error != nil {
			slog.Error("sql error updating catalog activation", "catalog_id", catalogId, "error", result.Error)
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

type ValidateResponsesRequest struct {
	DossierId uuid.UUID `json:"dossier_id"`
}

type ValidateResponsesResponse struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// ValidateResponses checks a dossier's saved answers against a catalog:
// required questions must be answered (unless hidden by an unsatisfied
// dependency) and answers to typed questions must fit the type.
func (s *CatalogService) ValidateResponses(w http.ResponseWriter, r *http.Request) {
	catalogId, err := utils.URLParamUUID(r, "catalog_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params ValidateResponsesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	permission, err := auth.GetDossierPermissions(params.DossierId, user, s.db)
	if err != nil || permission < auth.ReadPermission {
		utils.WriteError(w, schema.ErrDossierNotFound.Error(), http.StatusNotFound)
		return
	}

	catalog, err := schema.GetCatalog(catalogId, s.db, true)
	if err != nil {
		if errors.Is(err, schema.ErrCatalogNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var responses []schema.DossierResponse
	result := s.db.Where("dossier_id = ?", params.DossierId).Find(&responses)
	if result.Error != nil {
		slog.Error("sql error loading dossier responses", "dossier_id", params.DossierId, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	answers := make(map[uuid.UUID]string, len(responses))
	for _, response := range responses {
		answers[response.QuestionId] = response.Answer
	}

	issues := validateAnswers(catalog, answers)

	utils.WriteJsonResponse(w, ValidateResponsesResponse{Valid: len(issues) == 0, Issues: issues})
}

func validateAnswers(catalog schema.QuestionCatalog, answers map[uuid.UUID]string) []string {
	issues := []string{}

	for _, section := range catalog.Sections {
		for _, question := range section.Questions {
			// Questions hidden by an unsatisfied dependency are skipped.
			if question.DependsOnQuestionId != nil {
				if answers[*question.DependsOnQuestionId] != question.DependsOnValue {
					continue
				}
			}

			answer, answered := answers[question.Id]
			if !answered || answer == "" {
				if question.Required {
					issues = append(issues, fmt.Sprintf("missing required answer for question '%v'", question.Text))
				}
				continue
			}

			switch question.Type {
			case schema.QuestionDate:
				if _, err := time.Parse("2006-01-02", answer); err != nil {
					issues = append(issues, fmt.Sprintf("answer for question '%v' is not a valid date (expected YYYY-MM-DD)", question.Text))
				}
			case schema.QuestionSelect, schema.QuestionRadio:
				if !isOptionValue(question.Options, answer) {
					issues = append(issues, fmt.Sprintf("answer '%v' for question '%v' is not one of the allowed options", answer, question.Text))
				}
			case schema.QuestionMultiselect, schema.QuestionCheckbox:
				for _, value := range strings.Split(answer, ",") {
					if !isOptionValue(question.Options, strings.TrimSpace(value)) {
						issues = append(issues, fmt.Sprintf("answer '%v' for question '%v' is not one of the allowed options", value, question.Text))
					}
				}
			}
		}
	}

	return issues
}

func isOptionValue(options []schema.QuestionOption, value string) bool {
	for _, option := range options {
		if option.Value == value {
			return true
		}
	}
	return false
}
