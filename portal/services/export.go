package services

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/export"
	"vae_facile/portal/schema"
	"vae_facile/portal/storage"
	"vae_facile/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExportService renders dossiers to downloadable documents. Its handlers are
// mounted inside the dossier route tree so dossier permissions apply.
type ExportService struct {
	db *gorm.DB

	storage storage.Storage
}

var exportContentTypes = map[string]string{
	schema.FormatPdf:  "application/pdf",
	schema.FormatDocx: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	schema.FormatTxt:  "text/plain; charset=utf-8",
}

type exportAnswer struct {
	Question string
	Answer   string
}

func (s *ExportService) loadAnswers(dossierId uuid.UUID) ([]exportAnswer, error) {
	var answers []exportAnswer
	result := s.db.Table("dossier_responses").
		Select("catalog_questions.text as question, dossier_responses.answer as answer").
		Joins("JOIN catalog_questions ON catalog_questions.id = dossier_responses.question_id").
		Where("dossier_responses.dossier_id = ? AND dossier_responses.answer <> ''", dossierId).
		Order("catalog_questions.position ASC").
		Scan(&answers)
	if result.Error != nil {
		slog.Error("sql error loading answers for export", "dossier_id", dossierId, "error", result.Error)
		return nil, schema.ErrDbAccessFailed
	}
	return answers, nil
}

func buildExportDocument(dossier schema.Dossier, answers []exportAnswer) *export.Document {
	doc := &export.Document{
		Title:         dossier.Title,
		Description:   dossier.Description,
		Certification: dossier.TargetCertification,
	}

	if dossier.User != nil {
		candidate := fmt.Sprintf("%s %s", dossier.User.FirstName, dossier.User.LastName)
		if dossier.User.FirstName == "" && dossier.User.LastName == "" {
			candidate = dossier.User.Username
		}
		doc.Candidate = candidate
	}

	for _, section := range dossier.Sections {
		doc.Sections = append(doc.Sections, export.Section{
			Title:   section.Title,
			Content: section.Content,
		})
	}

	for _, answer := range answers {
		doc.Answers = append(doc.Answers, export.Answer{
			Question: answer.Question,
			Answer:   answer.Answer,
		})
	}

	return doc
}

type ExportResponse struct {
	FileName string `json:"file_name"`
	Format   string `json:"format"`
	Size     int    `json:"size"`
}

func (s *ExportService) Export(w http.ResponseWriter, r *http.Request) {
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

	format := r.URL.Query().Get("format")
	if format == "" {
		format = schema.FormatPdf
	}
	// The format is checked before any rendering or file work.
	if _, ok := exportContentTypes[format]; !ok {
		utils.WriteError(w, fmt.Sprintf("%v: got '%v'", export.ErrUnsupportedFormat, format), http.StatusBadRequest)
		return
	}

	dossier, err := schema.GetDossier(dossierId, s.db, true, false, true)
	if err != nil {
		if errors.Is(err, schema.ErrDossierNotFound) {
			utils.WriteError(w, err.Error(), http.StatusNotFound)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	answers, err := s.loadAnswers(dossierId)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := export.Render(buildExportDocument(dossier, answers), format)
	if err != nil {
		slog.Error("error rendering dossier export", "dossier_id", dossierId, "format", format, "error", err)
		utils.WriteError(w, fmt.Sprintf("error rendering dossier: %v", err), http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("dossier-%s-v%d-%d.%s", dossierId, dossier.CurrentVersion, time.Now().UnixNano(), format)
	path := storage.ExportPath(filename)

	if err := s.storage.Write(path, bytes.NewReader(data)); err != nil {
		slog.Error("error writing export to storage", "path", path, "error", err)
		// A partial file must not linger where the download handler can see it.
		if cleanupErr := s.storage.Delete(path); cleanupErr != nil {
			slog.Error("error removing partial export file", "path", path, "error", cleanupErr)
		}
		utils.WriteError(w, "error storing exported document", http.StatusInternalServerError)
		return
	}

	record := schema.ExportRecord{
		Id:        uuid.New(),
		DossierId: dossierId,
		Format:    format,
		Version:   dossier.CurrentVersion,
		FileName:  filename,
		CreatedBy: user.Id,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&record); result.Error != nil {
			slog.Error("sql error creating export record", "dossier_id", dossierId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		if cleanupErr := s.storage.Delete(path); cleanupErr != nil {
			slog.Error("error removing orphaned export file", "path", path, "error", cleanupErr)
		}
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	exportMetric.WithLabelValues(format).Inc()

	slog.Info("dossier exported", "dossier_id", dossierId, "format", format, "file_name", filename)

	utils.WriteJsonResponse(w, ExportResponse{FileName: filename, Format: format, Size: len(data)})
}

type ExportRecordInfo struct {
	Id       uuid.UUID `json:"id"`
	Format   string    `json:"format"`
	Version  int       `json:"version"`
	FileName string    `json:"file_name"`

	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *ExportService) ListExports(w http.ResponseWriter, r *http.Request) {
	dossierId, err := utils.URLParamUUID(r, "dossier_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var records []schema.ExportRecord
	result := s.db.Where("dossier_id = ?", dossierId).Order("created_at DESC").Find(&records)
	if result.Error != nil {
		slog.Error("sql error listing export records", "dossier_id", dossierId, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]ExportRecordInfo, 0, len(records))
	for _, record := range records {
		infos = append(infos, ExportRecordInfo{
			Id:        record.Id,
			Format:    record.Format,
			Version:   record.Version,
			FileName:  record.FileName,
			CreatedBy: record.CreatedBy,
			CreatedAt: record.CreatedAt,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

// Download streams a previously exported file. Access follows the dossier the
// export belongs to, so a revoked collaborator also loses old exports.
func (s *ExportService) Download(w http.ResponseWriter, r *http.Request) {
	filename, err := utils.URLParam(r, "file_name")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var record schema.ExportRecord
	result := s.db.Limit(1).Find(&record, "file_name = ?", filename)
	if result.Error != nil {
		slog.Error("sql error finding export record", "file_name", filename, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}
	if result.RowsAffected == 0 {
		utils.WriteError(w, "export not found", http.StatusNotFound)
		return
	}

	permission, err := auth.GetDossierPermissions(record.DossierId, user, s.db)
	if err != nil || permission < auth.ReadPermission {
		utils.WriteError(w, "export not found", http.StatusNotFound)
		return
	}

	reader, err := s.storage.Read(storage.ExportPath(filename))
	if err != nil {
		slog.Error("error reading export from storage", "file_name", filename, "error", err)
		utils.WriteError(w, "error reading exported document", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", exportContentTypes[record.Format])
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if _, err := io.Copy(w, reader); err != nil {
		slog.Error("error streaming export to client", "file_name", filename, "error", err)
	}
}
