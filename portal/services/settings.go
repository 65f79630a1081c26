package services

import (
	"net/http"
	"sync/atomic"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Settings are the runtime-configurable knobs of the portal. They are held
// behind an atomic pointer so admin updates swap the whole struct at once
// instead of mutating process-wide environment state.
type Settings struct {
	MaintenanceMessage string `json:"maintenance_message"`
	MaxUploadMb        int    `json:"max_upload_mb"`
	DefaultModel       string `json:"default_model"`
	GenerationTimeoutS int    `json:"generation_timeout_s"`
	Debug              bool   `json:"debug"`

	// Version increases on every swap, it never goes backwards.
	Version int `json:"version"`
}

func (s Settings) GenerationTimeout() time.Duration {
	return time.Duration(s.GenerationTimeoutS) * time.Second
}

func DefaultSettings() Settings {
	return Settings{
		MaxUploadMb:        25,
		DefaultModel:       "gpt-4o-mini",
		GenerationTimeoutS: 120,
		Version:            1,
	}
}

type SettingsStore struct {
	current atomic.Pointer[Settings]
}

func NewSettingsStore(initial Settings) *SettingsStore {
	store := &SettingsStore{}
	store.current.Store(&initial)
	return store
}

func (s *SettingsStore) Get() Settings {
	return *s.current.Load()
}

func (s *SettingsStore) Swap(next Settings) Settings {
	for {
		prev := s.current.Load()
		next.Version = prev.Version + 1
		if s.current.CompareAndSwap(prev, &next) {
			return next
		}
	}
}

type SettingsService struct {
	db       *gorm.DB
	settings *SettingsStore
	userAuth auth.IdentityProvider
}

func (s *SettingsService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/", s.Get)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Put("/", s.Update)
	})

	return r
}

func (s *SettingsService) Get(w http.ResponseWriter, r *http.Request) {
	utils.WriteJsonResponse(w, s.settings.Get())
}

func (s *SettingsService) Update(w http.ResponseWriter, r *http.Request) {
	var params Settings
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.MaxUploadMb <= 0 || params.GenerationTimeoutS <= 0 {
		utils.WriteError(w, "max_upload_mb and generation_timeout_s must be positive", http.StatusBadRequest)
		return
	}

	updated := s.settings.Swap(params)
	utils.WriteJsonResponse(w, updated)
}
