package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/llm"
	"vae_facile/portal/schema"
	"vae_facile/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GenerateService drafts dossier content with the configured LLM provider.
// Its handlers are mounted inside the dossier route tree.
type GenerateService struct {
	db *gorm.DB

	provider llm.Provider
	settings *SettingsStore
}

type GenerateRequestBody struct {
	Model string `json:"model"`
}

func (s *GenerateService) model(requested string) string {
	if requested != "" {
		return requested
	}
	return s.settings.Get().DefaultModel
}

// sectionPrompt assembles the user prompt for one section from the section
// itself plus the candidate's questionnaire answers.
func (s *GenerateService) sectionPrompt(dossier schema.Dossier, section schema.DossierSection) (string, string, error) {
	answers, err := s.loadAnswerLines(dossier.Id)
	if err != nil {
		return "", "", err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Dossier: %s\n", dossier.Title)
	if dossier.TargetCertification != "" {
		fmt.Fprintf(&prompt, "Certification: %s\n", dossier.TargetCertification)
	}
	fmt.Fprintf(&prompt, "\nWrite the section titled %q.\n", section.Title)
	if section.Content != "" {
		fmt.Fprintf(&prompt, "\nCurrent draft of the section:\n%s\n", section.Content)
	}
	if len(answers) > 0 {
		prompt.WriteString("\nCandidate's questionnaire answers:\n")
		prompt.WriteString(strings.Join(answers, "\n"))
	}

	systemPrompt, err := s.sectionSystemPrompt(dossier, section)
	if err != nil {
		return "", "", err
	}

	return systemPrompt, prompt.String(), nil
}

// sectionSystemPrompt collects the AiPrompt instructions of the active
// catalog section matching the dossier section, when there is one.
func (s *GenerateService) sectionSystemPrompt(dossier schema.Dossier, section schema.DossierSection) (string, error) {
	if dossier.TargetCertification == "" {
		return "", nil
	}

	var catalog schema.QuestionCatalog
	result := s.db.
		Preload("Sections", func(db *gorm.DB) *gorm.DB { return db.Order("catalog_sections.position ASC") }).
		Preload("Sections.Questions").
		Limit(1).
		Find(&catalog, "target_certification = ? AND is_active = ?", dossier.TargetCertification, true)
	if result.Error != nil {
		slog.Error("sql error loading active catalog for generation", "dossier_id", dossier.Id, "error", result.Error)
		return "", schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return "", nil
	}

	var prompts []string
	for _, catalogSection := range catalog.Sections {
		if catalogSection.Title != section.Title {
			continue
		}
		for _, question := range catalogSection.Questions {
			if question.AiPrompt != "" {
				prompts = append(prompts, question.AiPrompt)
			}
		}
	}

	return strings.Join(prompts, "\n"), nil
}

func (s *GenerateService) loadAnswerLines(dossierId uuid.UUID) ([]string, error) {
	var answers []exportAnswer
	result := s.db.Table("dossier_responses").
		Select("catalog_questions.text as question, dossier_responses.answer as answer").
		Joins("JOIN catalog_questions ON catalog_questions.id = dossier_responses.question_id").
		Where("dossier_responses.dossier_id = ? AND dossier_responses.answer <> ''", dossierId).
		Order("catalog_questions.position ASC").
		Scan(&answers)
	if result.Error != nil {
		slog.Error("sql error loading answers for generation", "dossier_id", dossierId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}

	lines := make([]string, 0, len(answers))
	for _, answer := range answers {
		lines = append(lines, fmt.Sprintf("Q: %s\nA: %s", answer.Question, answer.Answer))
	}
	return lines, nil
}

type GenerateSectionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

func (s *GenerateService) GenerateSection(w http.ResponseWriter, r *http.Request) {
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

	if s.provider == nil {
		utils.WriteError(w, "no generative AI provider is configured", http.StatusServiceUnavailable)
		return
	}

	var params GenerateRequestBody
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	dossier, err := schema.GetDossier(dossierId, s.db, false, false, false)
	if err != nil {
		if errors.Is(err, schema.ErrDossierNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	section, err := schema.GetSection(dossierId, sectionId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrSectionNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	systemPrompt, userPrompt, err := s.sectionPrompt(dossier, section)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	generationMetric.Inc()

	ctx, cancel := context.WithTimeout(r.Context(), s.settings.Get().GenerationTimeout())
	defer cancel()

	result, err := s.provider.Generate(ctx, llm.GenerateRequest{
		Model:        s.model(params.Model),
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	})
	if err != nil {
		generationFailedMetric.Inc()
		slog.Error("section generation failed", "dossier_id", dossierId, "section_id", sectionId, "error", err)
		utils.WriteError(w, fmt.Sprintf("error generating section content: %v", err), http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		update := txn.Model(&schema.DossierSection{Id: sectionId}).Updates(map[string]interface{}{
			"content":        result.Text,
			"ai_generated":   true,
			"last_edited_by": user.Id,
		})
		if update.Error != nil {
			slog.Error("sql error saving generated section", "section_id", sectionId, "error", update.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		tokens := txn.Model(&schema.Dossier{Id: dossierId}).Updates(map[string]interface{}{
			"gen_model":         result.Model,
			"prompt_tokens":     gorm.Expr("prompt_tokens + ?", result.PromptTokens),
			"completion_tokens": gorm.Expr("completion_tokens + ?", result.CompletionTokens),
			"revision":          gorm.Expr("revision + 1"),
		})
		if tokens.Error != nil {
			slog.Error("sql error saving generation metadata", "dossier_id", dossierId, "error", tokens.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("section generated", "dossier_id", dossierId, "section_id", sectionId, "model", result.Model)

	utils.WriteJsonResponse(w, GenerateSectionResponse{Content: result.Text, Model: result.Model})
}

type GenerateDossierResponse struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
}

// GenerateDossier produces the full document text. The dossier moves through
// the status graph as the generation progresses: draft (or error) to
// generating, then completed on success or error with a message on failure.
func (s *GenerateService) GenerateDossier(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.provider == nil {
		utils.WriteError(w, "no generative AI provider is configured", http.StatusServiceUnavailable)
		return
	}

	var params GenerateRequestBody
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	var dossier schema.Dossier
	err = s.db.Transaction(func(txn *gorm.DB) error {
		dossier, err = getDossierForUpdate(txn, dossierId)
		if err != nil {
			return err
		}

		if err := schema.CheckStatusTransition(dossier.Status, schema.StatusGenerating); err != nil {
			return CodedError(err, http.StatusConflict)
		}

		update := txn.Model(&schema.Dossier{Id: dossierId}).Updates(map[string]interface{}{
			"status":   schema.StatusGenerating,
			"revision": gorm.Expr("revision + 1"),
		})
		if update.Error != nil {
			slog.Error("sql error marking dossier generating", "dossier_id", dossierId, "error", update.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	generationMetric.Inc()

	result, err := s.generateFullDocument(r.Context(), dossierId, params.Model)
	if err != nil {
		generationFailedMetric.Inc()
		slog.Error("dossier generation failed", "dossier_id", dossierId, "error", err)

		update := s.db.Model(&schema.Dossier{Id: dossierId}).Updates(map[string]interface{}{
			"status":        schema.StatusError,
			"error_message": err.Error(),
			"revision":      gorm.Expr("revision + 1"),
		})
		if update.Error != nil {
			slog.Error("sql error marking dossier generation error", "dossier_id", dossierId, "error", update.Error)
		}

		utils.WriteError(w, fmt.Sprintf("error generating dossier: %v", err), http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	err = s.db.Transaction(func(txn *gorm.DB) error {
		update := txn.Model(&schema.Dossier{Id: dossierId}).Updates(map[string]interface{}{
			"status":            schema.StatusCompleted,
			"content":           result.Text,
			"completed_at":      &now,
			"error_message":     "",
			"gen_model":         result.Model,
			"prompt_tokens":     gorm.Expr("prompt_tokens + ?", result.PromptTokens),
			"completion_tokens": gorm.Expr("completion_tokens + ?", result.CompletionTokens),
			"revision":          gorm.Expr("revision + 1"),
		})
		if update.Error != nil {
			slog.Error("sql error completing dossier generation", "dossier_id", dossierId, "error", update.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("dossier generated", "dossier_id", dossierId, "model", result.Model)

	utils.WriteJsonResponse(w, GenerateDossierResponse{Status: schema.StatusCompleted, Model: result.Model})
}

func (s *GenerateService) generateFullDocument(ctx context.Context, dossierId uuid.UUID, model string) (llm.GenerateResult, error) {
	dossier, err := schema.GetDossier(dossierId, s.db, true, false, false)
	if err != nil {
		return llm.GenerateResult{}, err
	}

	answers, err := s.loadAnswerLines(dossierId)
	if err != nil {
		return llm.GenerateResult{}, err
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write the complete VAE dossier titled %q", dossier.Title)
	if dossier.TargetCertification != "" {
		fmt.Fprintf(&prompt, " for the certification %q", dossier.TargetCertification)
	}
	prompt.WriteString(".\n")
	if dossier.Description != "" {
		fmt.Fprintf(&prompt, "\nContext: %s\n", dossier.Description)
	}
	if len(dossier.Sections) > 0 {
		prompt.WriteString("\nSection drafts to build on:\n")
		for _, section := range dossier.Sections {
			fmt.Fprintf(&prompt, "\n## %s\n\n%s\n", section.Title, section.Content)
		}
	}
	if len(answers) > 0 {
		prompt.WriteString("\nCandidate's questionnaire answers:\n")
		prompt.WriteString(strings.Join(answers, "\n"))
	}

	genCtx, cancel := context.WithTimeout(ctx, s.settings.Get().GenerationTimeout())
	defer cancel()

	return s.provider.Generate(genCtx, llm.GenerateRequest{
		Model:      s.model(model),
		UserPrompt: prompt.String(),
	})
}
