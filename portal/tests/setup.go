package tests

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"vae_facile/portal/auth"
	"vae_facile/portal/llm"
	"vae_facile/portal/schema"
	"vae_facile/portal/services"
	"vae_facile/portal/storage"

	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testEnv struct {
	portal  *services.Portal
	api     chi.Router
	storage storage.Storage
	llm     *llmStub
	db      *gorm.DB
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

// llmStub returns a canned completion so generation flows can be exercised
// without a network dependency.
type llmStub struct {
	text string
	err  error

	calls int
}

func (l *llmStub) Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error) {
	l.calls++
	if l.err != nil {
		return llm.GenerateResult{}, l.err
	}
	return llm.GenerateResult{
		Text:             l.text,
		Model:            req.Model,
		PromptTokens:     100,
		CompletionTokens: 250,
	}, nil
}

func setupTestEnv(t *testing.T) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(schema.AllModels()...)
	if err != nil {
		t.Fatal(err)
	}

	storagePath := filepath.Join(t.TempDir(), "storage")
	err = os.MkdirAll(storagePath, 0777)
	if err != nil {
		t.Fatalf("error creating storage directory: %v", err)
	}

	store := storage.NewSharedDisk(storagePath)

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.NewAuditLogger(new(bytes.Buffer)),
		auth.BasicProviderArgs{
			Secret:        []byte("290zcv02ai249"),
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	stub := &llmStub{text: "Le candidat présente un parcours professionnel riche et cohérent."}

	portal := services.New(db, store, stub, userAuth, services.DefaultSettings())

	return &testEnv{portal: portal, api: portal.Routes(), storage: store, llm: stub, db: db}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}
