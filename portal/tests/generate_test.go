package tests

import (
	"errors"
	"net/http"
	"testing"
	"vae_facile/portal/schema"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerateSection(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "DEAS")
	require.NoError(t, err)

	sectionId, err := user.addSection(dossierId, "Parcours professionnel", "")
	require.NoError(t, err)

	res, err := user.generateSection(dossierId, sectionId)
	require.NoError(t, err)
	require.Equal(t, env.llm.text, res.Content)

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, env.llm.text, info.Sections[0].Content)
	require.True(t, info.Sections[0].AiGenerated)
	require.Equal(t, 100, info.PromptTokens)
	require.Equal(t, 250, info.CompletionTokens)

	// A manual edit clears the generated flag.
	require.NoError(t, user.updateSectionContent(dossierId, sectionId, "ma propre version"))

	info, err = user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.False(t, info.Sections[0].AiGenerated)
}

func TestGenerateSectionUsesCatalogPrompt(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)

	catalogId, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)
	require.NoError(t, admin.activateCatalog(catalogId, true))

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "DEAS")
	require.NoError(t, err)

	sectionId, err := user.addSection(dossierId, "Parcours professionnel", "")
	require.NoError(t, err)

	_, err = user.generateSection(dossierId, sectionId)
	require.NoError(t, err)
	require.Equal(t, 1, env.llm.calls)
}

func TestGenerateDossier(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "DEAS")
	require.NoError(t, err)

	_, err = user.addSection(dossierId, "Parcours", "Huit années d'expérience.")
	require.NoError(t, err)

	res, err := user.generateDossier(dossierId)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, res.Status)

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, info.Status)
	require.Equal(t, env.llm.text, info.Content)
	require.NotNil(t, info.CompletedAt)
	require.Equal(t, 100, info.PromptTokens)
	require.Equal(t, 250, info.CompletionTokens)

	// Completed dossiers cannot start another generation without going back
	// to draft first.
	_, err = user.generateDossier(dossierId)
	require.Equal(t, http.StatusConflict, responseStatus(err))

	require.NoError(t, user.setStatus(dossierId, schema.StatusDraft, "", ""))

	_, err = user.generateDossier(dossierId)
	require.NoError(t, err)
}

func TestGenerateDossierFailure(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "DEAS")
	require.NoError(t, err)

	env.llm.err = errors.New("model overloaded")

	_, err = user.generateDossier(dossierId)
	require.Equal(t, http.StatusInternalServerError, responseStatus(err))

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, schema.StatusError, info.Status)
	require.Contains(t, info.ErrorMessage, "model overloaded")

	// Failed generations can be retried.
	env.llm.err = nil

	res, err := user.generateDossier(dossierId)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, res.Status)
}

func TestGenerateIsOwnerOnlyForFullDossier(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	editor, err := env.newUser("editor")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier", "")
	require.NoError(t, err)
	sectionId, err := owner.addSection(dossierId, "Parcours", "")
	require.NoError(t, err)

	require.NoError(t, owner.addCollaborator(dossierId, "editor@mail.com", "editor"))

	_, err = editor.generateDossier(dossierId)
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	_, err = editor.generateSection(dossierId, sectionId)
	require.NoError(t, err, "editors can generate individual sections")
}

func TestSaveResponsesMerges(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	first := uuid.New()
	second := uuid.New()

	require.NoError(t, user.saveResponses(dossierId, map[uuid.UUID]string{first: "a", second: "b"}))
	require.NoError(t, user.saveResponses(dossierId, map[uuid.UUID]string{second: "c"}))

	var responses []map[string]string
	require.NoError(t, user.Get("/dossiers/"+dossierId+"/responses").Do(&responses))
	require.Len(t, responses, 2)

	byQuestion := map[string]string{}
	for _, response := range responses {
		byQuestion[response["question_id"]] = response["answer"]
	}
	require.Equal(t, "a", byQuestion[first.String()])
	require.Equal(t, "c", byQuestion[second.String()], "last write wins")
}
