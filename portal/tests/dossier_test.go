package tests

import (
	"net/http"
	"testing"
	"vae_facile/portal/schema"

	"github.com/stretchr/testify/require"
)

func TestCreateDossierValidation(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	_, err = user.createDossier("", "")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	dossierId, err := user.createDossier("Mon dossier VAE", "Master Management")
	require.NoError(t, err)

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, "Mon dossier VAE", info.Title)
	require.Equal(t, schema.StatusDraft, info.Status)
	require.Equal(t, 1, info.Revision)
	require.Equal(t, 1, info.CurrentVersion)

	userInfo, err := user.userInfo()
	require.NoError(t, err)
	require.Equal(t, 1, userInfo.DossiersCreated)
}

func TestCreateDossierWithInitialSections(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	body := map[string]interface{}{
		"title": "Mon dossier VAE",
		"sections": []map[string]string{
			{"title": "Parcours professionnel", "content": "Huit années d'expérience."},
			{"title": "Motivation"},
		},
	}

	var res map[string]string
	require.NoError(t, user.Post("/dossiers/").Json(body).Do(&res))

	info, err := user.dossierInfo(res["dossier_id"])
	require.NoError(t, err)
	require.Len(t, info.Sections, 2)
	require.Equal(t, "Parcours professionnel", info.Sections[0].Title)
	require.Equal(t, "Huit années d'expérience.", info.Sections[0].Content)
	require.Equal(t, 0, info.Sections[0].Position)
	require.Equal(t, "Motivation", info.Sections[1].Title)
	require.Equal(t, 1, info.Sections[1].Position)

	body["sections"] = []map[string]string{{"content": "sans titre"}}
	err = user.Post("/dossiers/").Json(body).Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
}

func TestDossierIsMaskedForStrangers(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	stranger, err := env.newUser("stranger")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier privé", "")
	require.NoError(t, err)

	_, err = stranger.dossierInfo(dossierId)
	require.Equal(t, http.StatusNotFound, responseStatus(err), "strangers must not learn the dossier exists")

	err = stranger.updateDossier(dossierId, 1, "Pris")
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	// Public dossiers are world readable but still not writable.
	require.NoError(t, owner.Post("/dossiers/"+dossierId+"/visibility").Json(map[string]bool{"is_public": true}).Do(nil))

	_, err = stranger.dossierInfo(dossierId)
	require.NoError(t, err)

	err = stranger.updateDossier(dossierId, 1, "Pris")
	require.Equal(t, http.StatusForbidden, responseStatus(err))
}

func TestStaleRevisionIsRejected(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	require.NoError(t, user.updateDossier(dossierId, 1, "Titre 2"))

	err = user.updateDossier(dossierId, 1, "Titre 3")
	require.Equal(t, http.StatusConflict, responseStatus(err))

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, "Titre 2", info.Title)

	require.NoError(t, user.updateDossier(dossierId, info.Revision, "Titre 3"))
}

func TestConcurrentEditorsCannotBothWin(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	editor, err := env.newUser("editor")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier", "")
	require.NoError(t, err)
	require.NoError(t, owner.addCollaborator(dossierId, "editor@mail.com", "editor"))

	// Both editors read revision 1 before either submits. The first write
	// wins and the second must conflict instead of silently replacing it.
	require.NoError(t, owner.updateDossier(dossierId, 1, "Version du propriétaire"))

	err = editor.updateDossier(dossierId, 1, "Version du collaborateur")
	require.Equal(t, http.StatusConflict, responseStatus(err))

	info, err := owner.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, "Version du propriétaire", info.Title)
	require.Equal(t, 2, info.Revision)
}

func TestSectionWritesBumpRevision(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	sectionId, err := user.addSection(dossierId, "Parcours", "v1")
	require.NoError(t, err)

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, 2, info.Revision)

	require.NoError(t, user.updateSectionContent(dossierId, sectionId, "v2"))

	info, err = user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, 3, info.Revision)
	require.Len(t, info.Sections, 1)
	require.Equal(t, "v2", info.Sections[0].Content)
	require.False(t, info.Sections[0].AiGenerated)
}

func TestCreateVersionAdvancesCurrentVersion(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	_, err = user.addSection(dossierId, "Parcours", "contenu")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		number, err := user.createVersion(dossierId, "")
		require.NoError(t, err)
		require.Equal(t, i, number)
	}

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, 4, info.CurrentVersion)

	versions, err := user.listVersions(dossierId)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Len(t, versions[0].Sections, 1)
}

func TestRestoreMissingVersion(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	err = user.restoreVersion(dossierId, 99)
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, 1, info.CurrentVersion, "failed restore must not change state")

	versions, err := user.listVersions(dossierId)
	require.NoError(t, err)
	require.Empty(t, versions, "failed restore must not create a backup")
}

func TestRestoreVersion(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	sectionId, err := user.addSection(dossierId, "Parcours", "version originale")
	require.NoError(t, err)

	number, err := user.createVersion(dossierId, "avant modifications")
	require.NoError(t, err)
	require.Equal(t, 1, number)

	require.NoError(t, user.updateSectionContent(dossierId, sectionId, "version modifiée"))
	_, err = user.addSection(dossierId, "Motivation", "nouvelle section")
	require.NoError(t, err)

	require.NoError(t, user.restoreVersion(dossierId, number))

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Len(t, info.Sections, 1, "sections added after the snapshot are removed")
	require.Equal(t, sectionId, info.Sections[0].Id.String(), "restore matches sections by id")
	require.Equal(t, "version originale", info.Sections[0].Content)

	versions, err := user.listVersions(dossierId)
	require.NoError(t, err)
	require.Len(t, versions, 2, "restore adds exactly one automatic backup")
	require.Contains(t, versions[1].Notes, "automatic backup")

	// The backup captures the pre-restore state, so the restore is reversible.
	require.NoError(t, user.restoreVersion(dossierId, versions[1].Number))

	info, err = user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Len(t, info.Sections, 2)
}

func TestCollaborators(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	collab, err := env.newUser("collab")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier partagé", "")
	require.NoError(t, err)

	err = owner.addCollaborator(dossierId, "missing@mail.com", "viewer")
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	err = owner.addCollaborator(dossierId, "collab@mail.com", "boss")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	require.NoError(t, owner.addCollaborator(dossierId, "collab@mail.com", "viewer"))

	_, err = collab.dossierInfo(dossierId)
	require.NoError(t, err)

	_, err = collab.addSection(dossierId, "Section", "")
	require.Equal(t, http.StatusForbidden, responseStatus(err), "viewers cannot write")

	// Re-inviting upserts the role instead of duplicating the entry.
	require.NoError(t, owner.addCollaborator(dossierId, "collab@mail.com", "editor"))

	info, err := owner.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Len(t, info.Collaborators, 1)
	require.Equal(t, "editor", info.Collaborators[0].Role)

	_, err = collab.addSection(dossierId, "Section", "")
	require.NoError(t, err)

	err = collab.addCollaborator(dossierId, "owner@mail.com", "viewer")
	require.Equal(t, http.StatusForbidden, responseStatus(err), "editors cannot manage collaborators")

	require.NoError(t, owner.removeCollaborator(dossierId, collab.userId))

	_, err = collab.dossierInfo(dossierId)
	require.Equal(t, http.StatusNotFound, responseStatus(err))
}

func TestCollaboratorCanLeave(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	collab, err := env.newUser("collab")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier", "")
	require.NoError(t, err)

	require.NoError(t, owner.addCollaborator(dossierId, "collab@mail.com", "viewer"))
	require.NoError(t, collab.Post("/dossiers/"+dossierId+"/leave").Do(nil))

	_, err = collab.dossierInfo(dossierId)
	require.Equal(t, http.StatusNotFound, responseStatus(err))
}

func TestStatusTransitions(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	err = user.setStatus(dossierId, "finished", "", "")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	err = user.setStatus(dossierId, schema.StatusCompleted, "texte", "")
	require.Equal(t, http.StatusConflict, responseStatus(err), "draft cannot jump to completed")

	require.NoError(t, user.setStatus(dossierId, schema.StatusGenerating, "", ""))

	err = user.setStatus(dossierId, schema.StatusCompleted, "", "")
	require.Equal(t, http.StatusBadRequest, responseStatus(err), "completed requires content")

	require.NoError(t, user.setStatus(dossierId, schema.StatusCompleted, "le document final", ""))

	info, err := user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, schema.StatusCompleted, info.Status)
	require.Equal(t, "le document final", info.Content)
	require.NotNil(t, info.CompletedAt)

	require.NoError(t, user.setStatus(dossierId, schema.StatusDraft, "", ""))

	info, err = user.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Nil(t, info.CompletedAt)
}

func TestDeleteDossierIsOwnerOnly(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	collab, err := env.newUser("collab")
	require.NoError(t, err)

	dossierId, err := owner.createDossier("Dossier", "")
	require.NoError(t, err)

	require.NoError(t, owner.addCollaborator(dossierId, "collab@mail.com", "admin"))

	err = collab.deleteDossier(dossierId)
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	require.NoError(t, owner.deleteDossier(dossierId))

	_, err = owner.dossierInfo(dossierId)
	require.Equal(t, http.StatusNotFound, responseStatus(err))
}

func TestSearchDossiers(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	other, err := env.newUser("xyz")
	require.NoError(t, err)

	_, err = user.createDossier("Dossier aide soignante", "DEAS")
	require.NoError(t, err)
	_, err = user.createDossier("Dossier éducateur", "DEES")
	require.NoError(t, err)
	_, err = other.createDossier("Dossier aide comptable", "BTS")
	require.NoError(t, err)

	var results []map[string]interface{}
	require.NoError(t, user.Get("/dossiers/search?q=aide").Do(&results))
	require.Len(t, results, 1, "search only covers visible dossiers")

	require.NoError(t, user.Get("/dossiers/search?q=Dossier&certification=DEES").Do(&results))
	require.Len(t, results, 1)

	err = user.Get("/dossiers/search").Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
}
