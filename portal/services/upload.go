package services

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/schema"
	"vae_facile/portal/storage"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UploadService struct {
	db *gorm.DB

	userAuth auth.IdentityProvider
	storage  storage.Storage
	settings *SettingsStore
}

func (s *UploadService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.userAuth.AuthMiddleware()...)

	r.Group(func(r chi.Router) {
		r.Use(checkSufficientStorage(s.storage))

		r.Post("/", s.Create)
	})

	r.Get("/list", s.List)
	r.Get("/{upload_id}", s.Info)
	r.Get("/{upload_id}/download", s.Download)
	r.Put("/{upload_id}", s.Update)
	r.Delete("/{upload_id}", s.Delete)

	return r
}

// getUploadForUser loads an upload and checks the caller may touch it. Like
// dossiers, uploads belonging to other users read as not found.
func (s *UploadService) getUploadForUser(r *http.Request) (schema.Upload, error) {
	uploadId, err := utils.URLParamUUID(r, "upload_id")
	if err != nil {
		return schema.Upload{}, CodedError(err, http.StatusBadRequest)
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		return schema.Upload{}, CodedError(err, http.StatusInternalServerError)
	}

	upload, err := schema.GetUpload(uploadId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrUploadNotFound) {
			return upload, CodedError(err, http.StatusNotFound)
		}
		return upload, CodedError(err, http.StatusInternalServerError)
	}

	if upload.UserId != user.Id && !user.IsAdmin() {
		return upload, CodedError(schema.ErrUploadNotFound, http.StatusNotFound)
	}

	return upload, nil
}

type UploadInfo struct {
	Id        uuid.UUID  `json:"id"`
	UserId    uuid.UUID  `json:"user_id"`
	DossierId *uuid.UUID `json:"dossier_id,omitempty"`

	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type,omitempty"`
	Size      int64  `json:"size"`
	Extension string `json:"extension,omitempty"`
	Status    string `json:"status"`

	Metadata map[string]string `json:"metadata"`
	Tags     []string          `json:"tags"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func uploadInfo(upload schema.Upload) UploadInfo {
	return UploadInfo{
		Id:        upload.Id,
		UserId:    upload.UserId,
		DossierId: upload.DossierId,
		FileName:  upload.FileName,
		MimeType:  upload.MimeType,
		Size:      upload.Size,
		Extension: upload.Extension,
		Status:    upload.Status,
		Metadata:  upload.GetMetadata(),
		Tags:      upload.GetTags(),
		CreatedAt: upload.CreatedAt,
		UpdatedAt: upload.UpdatedAt,
	}
}

func (s *UploadService) Create(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	maxBytes := int64(s.settings.Get().MaxUploadMb) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+1024)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		utils.WriteError(w, fmt.Sprintf("error parsing multipart form: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.WriteError(w, "missing 'file' form field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		utils.WriteError(w, fmt.Sprintf("file exceeds the %d Mb upload limit", s.settings.Get().MaxUploadMb), http.StatusBadRequest)
		return
	}

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		utils.WriteError(w, "upload is missing a filename", http.StatusBadRequest)
		return
	}

	upload := schema.Upload{
		Id:        uuid.New(),
		UserId:    user.Id,
		FileName:  filename,
		MimeType:  header.Header.Get("Content-Type"),
		Size:      header.Size,
		Extension: strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")),
		Status:    schema.UploadPending,
	}
	upload.Path = storage.UploadPath(upload.Id, filename)

	if value := r.FormValue("dossier_id"); value != "" {
		dossierId, err := uuid.Parse(value)
		if err != nil {
			utils.WriteError(w, fmt.Sprintf("invalid dossier_id '%v'", value), http.StatusBadRequest)
			return
		}

		permission, err := auth.GetDossierPermissions(dossierId, user, s.db)
		if err != nil || permission < auth.WritePermission {
			utils.WriteError(w, schema.ErrDossierNotFound.Error(), http.StatusNotFound)
			return
		}
		upload.DossierId = &dossierId
	}

	if err := s.storage.Write(upload.Path, file); err != nil {
		slog.Error("error writing upload to storage", "path", upload.Path, "error", err)
		utils.WriteError(w, "error storing uploaded file", http.StatusInternalServerError)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&upload); result.Error != nil {
			slog.Error("sql error creating upload", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		// The file must not outlive a failed record insert.
		if cleanupErr := s.storage.Delete(upload.Path); cleanupErr != nil {
			slog.Error("error removing orphaned upload file", "path", upload.Path, "error", cleanupErr)
		}
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("file uploaded", "upload_id", upload.Id, "user_id", user.Id, "size", upload.Size)

	utils.WriteJsonResponse(w, uploadInfo(upload))
}

func (s *UploadService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	query := s.db.Preload("Metadata").Preload("Tags").Order("created_at DESC")
	if !user.IsAdmin() {
		query = query.Where("user_id = ?", user.Id)
	}
	if value := r.URL.Query().Get("dossier_id"); value != "" {
		dossierId, err := uuid.Parse(value)
		if err != nil {
			utils.WriteError(w, fmt.Sprintf("invalid dossier_id '%v'", value), http.StatusBadRequest)
			return
		}
		query = query.Where("dossier_id = ?", dossierId)
	}

	var uploads []schema.Upload
	if result := query.Find(&uploads); result.Error != nil {
		slog.Error("sql error listing uploads", "user_id", user.Id, "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]UploadInfo, 0, len(uploads))
	for _, upload := range uploads {
		infos = append(infos, uploadInfo(upload))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *UploadService) Info(w http.ResponseWriter, r *http.Request) {
	upload, err := s.getUploadForUser(r)
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, uploadInfo(upload))
}

func (s *UploadService) Download(w http.ResponseWriter, r *http.Request) {
	upload, err := s.getUploadForUser(r)
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	reader, err := s.storage.Read(upload.Path)
	if err != nil {
		slog.Error("error reading upload from storage", "path", upload.Path, "error", err)
		utils.WriteError(w, "error reading uploaded file", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", upload.FileName))
	if upload.MimeType != "" {
		w.Header().Set("Content-Type", upload.MimeType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}

	if _, err := io.Copy(w, reader); err != nil {
		slog.Error("error streaming upload to client", "upload_id", upload.Id, "error", err)
	}
}

type UpdateUploadRequest struct {
	Status    *string           `json:"status"`
	DossierId *uuid.UUID        `json:"dossier_id"`
	Metadata  map[string]string `json:"metadata"`
	Tags      []string          `json:"tags"`
}

func (s *UploadService) Update(w http.ResponseWriter, r *http.Request) {
	upload, err := s.getUploadForUser(r)
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params UpdateUploadRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Status != nil {
		if err := schema.CheckValidUploadStatus(*params.Status); err != nil {
			utils.WriteError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if params.DossierId != nil && *params.DossierId != uuid.Nil {
		permission, err := auth.GetDossierPermissions(*params.DossierId, user, s.db)
		if err != nil || permission < auth.WritePermission {
			utils.WriteError(w, schema.ErrDossierNotFound.Error(), http.StatusNotFound)
			return
		}
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		updates := map[string]interface{}{}
		if params.Status != nil {
			updates["status"] = *params.Status
		}
		if params.DossierId != nil {
			if *params.DossierId == uuid.Nil {
				updates["dossier_id"] = nil
			} else {
				updates["dossier_id"] = *params.DossierId
			}
		}
		if len(updates) > 0 {
			result := txn.Model(&schema.Upload{Id: upload.Id}).Updates(updates)
			if result.Error != nil {
				slog.Error("sql error updating upload", "upload_id", upload.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		if params.Metadata != nil {
			result := txn.Where("upload_id = ?", upload.Id).Delete(&schema.UploadMetadata{})
			if result.Error != nil {
				slog.Error("sql error clearing upload metadata", "upload_id", upload.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			for key, value := range params.Metadata {
				entry := schema.UploadMetadata{UploadId: upload.Id, Key: key, Value: value}
				if result := txn.Create(&entry); result.Error != nil {
					slog.Error("sql error writing upload metadata", "upload_id", upload.Id, "error", result.Error)
					return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
				}
			}
		}

		if params.Tags != nil {
			result := txn.Where("upload_id = ?", upload.Id).Delete(&schema.UploadTag{})
			if result.Error != nil {
				slog.Error("sql error clearing upload tags", "upload_id", upload.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			for _, tag := range params.Tags {
				if tag == "" {
					continue
				}
				entry := schema.UploadTag{UploadId: upload.Id, Tag: tag}
				if result := txn.Create(&entry); result.Error != nil {
					slog.Error("sql error writing upload tag", "upload_id", upload.Id, "error", result.Error)
					return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
				}
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

func (s *UploadService) Delete(w http.ResponseWriter, r *http.Request) {
	upload, err := s.getUploadForUser(r)
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Select("Metadata", "Tags").Delete(&schema.Upload{Id: upload.Id})
		if result.Error != nil {
			slog.Error("sql error deleting upload", "upload_id", upload.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	if err := s.storage.Delete(upload.Path); err != nil {
		slog.Error("error removing upload file", "path", upload.Path, "error", err)
	}

	slog.Info("upload deleted", "upload_id", upload.Id)

	utils.WriteSuccess(w)
}
