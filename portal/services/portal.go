package services

import (
	"log/slog"
	"net/http"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/llm"
	"vae_facile/portal/schema"
	"vae_facile/portal/storage"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Portal aggregates the services behind /api/v1 and owns the background
// generation reaper.
type Portal struct {
	db *gorm.DB

	user     *UserService
	dossier  *DossierService
	catalog  *CatalogService
	upload   *UploadService
	settings *SettingsService

	settingsStore *SettingsStore

	stopReaper chan bool
}

func New(db *gorm.DB, store storage.Storage, provider llm.Provider, userAuth auth.IdentityProvider, initial Settings) *Portal {
	settingsStore := NewSettingsStore(initial)

	exportService := &ExportService{db: db, storage: store}
	generateService := &GenerateService{db: db, provider: provider, settings: settingsStore}

	return &Portal{
		db:       db,
		user:     &UserService{db: db, userAuth: userAuth},
		dossier:  &DossierService{db: db, userAuth: userAuth, export: exportService, generate: generateService},
		catalog:  &CatalogService{db: db, userAuth: userAuth},
		upload:   &UploadService{db: db, userAuth: userAuth, storage: store, settings: settingsStore},
		settings: &SettingsService{db: db, settings: settingsStore, userAuth: userAuth},

		settingsStore: settingsStore,

		stopReaper: make(chan bool),
	}
}

func (p *Portal) Routes() chi.Router {
	r := chi.NewRouter()

	r.Mount("/user", p.user.Routes())
	r.Mount("/dossiers", p.dossier.Routes())
	r.Mount("/questions", p.catalog.Routes())
	r.Mount("/uploads", p.upload.Routes())
	r.Mount("/settings", p.settings.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

func (p *Portal) Settings() *SettingsStore {
	return p.settingsStore
}

// StartGenerationReaper periodically fails dossiers stuck in 'generating',
// for example after a crash mid-generation. Without it a dossier could hold
// the status forever since generating only transitions out on completion or
// error.
func (p *Portal) StartGenerationReaper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.reapStuckGenerations()
			case <-p.stopReaper:
				slog.Info("stopping dossier generation reaper")
				return
			}
		}
	}()
}

func (p *Portal) StopGenerationReaper() {
	p.stopReaper <- true
}

func (p *Portal) reapStuckGenerations() {
	// Twice the generation timeout, so an in-flight request always gets to
	// report its own outcome first.
	cutoff := time.Now().UTC().Add(-2 * p.settingsStore.Get().GenerationTimeout())

	result := p.db.Model(&schema.Dossier{}).
		Where("status = ? AND updated_at < ?", schema.StatusGenerating, cutoff).
		Updates(map[string]interface{}{
			"status":        schema.StatusError,
			"error_message": "generation timed out",
			"revision":      gorm.Expr("revision + 1"),
		})
	if result.Error != nil {
		slog.Error("sql error reaping stuck generations", "error", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		slog.Info("marked stuck dossier generations as failed", "count", result.RowsAffected)
	}
}
