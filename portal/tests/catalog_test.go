package tests

import (
	"net/http"
	"testing"
	"vae_facile/portal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleCatalog(certification string) services.CatalogImport {
	return services.CatalogImport{
		Title:               "Référentiel " + certification,
		TargetCertification: certification,
		Version:             "1.0.0",
		Sections: []services.CatalogImportSection{
			{
				Title:       "Parcours professionnel",
				Description: "Expériences en lien avec la certification",
				Questions: []services.CatalogImportQuestion{
					{
						Key:      "years",
						Text:     "Combien d'années d'expérience avez-vous ?",
						Type:     "select",
						Required: true,
						Options: []services.CatalogImportOption{
							{Value: "1-3", Label: "1 à 3 ans"},
							{Value: "3+", Label: "Plus de 3 ans"},
						},
					},
					{
						Text:      "Décrivez votre activité principale.",
						Type:      "textarea",
						Required:  true,
						AiPrompt:  "Rédige un paragraphe structuré sur l'activité principale du candidat.",
						DependsOn: nil,
					},
					{
						Text: "Date de début de votre dernier poste",
						Type: "date",
						DependsOn: &services.CatalogImportDependency{
							Question: "years", Value: "3+",
						},
					},
				},
			},
		},
	}
}

func TestImportCatalogValidation(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	admin, err := env.adminClient()
	require.NoError(t, err)

	_, err = user.importCatalog(sampleCatalog("DEAS"))
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	// Every problem in the file is reported, not just the first.
	broken := sampleCatalog("DEAS")
	broken.Title = ""
	broken.Sections[0].Questions[0].Options = nil
	broken.Sections[0].Questions[1].Text = ""
	broken.Sections = append(broken.Sections, services.CatalogImportSection{Title: "Vide"})

	_, err = admin.importCatalog(broken)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
	for _, expected := range []string{"title is required", "at least one option", "text is required", "at least one question"} {
		require.Contains(t, err.Error(), expected)
	}

	unknownDep := sampleCatalog("DEAS")
	unknownDep.Sections[0].Questions[2].DependsOn.Question = "nope"
	_, err = admin.importCatalog(unknownDep)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
	require.Contains(t, err.Error(), "unknown question key")

	catalogId, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)

	info, err := admin.catalogInfo(catalogId)
	require.NoError(t, err)
	require.False(t, info.IsActive)
	require.Len(t, info.Sections, 1)
	require.Len(t, info.Sections[0].Questions, 3)
	require.Len(t, info.Sections[0].Questions[0].Options, 2)
	require.NotNil(t, info.Sections[0].Questions[2].DependsOnQuestionId)
	require.Equal(t, info.Sections[0].Questions[0].Id, *info.Sections[0].Questions[2].DependsOnQuestionId)
}

func TestCatalogActivationConflict(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)

	first, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)
	second, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)
	unrelated, err := admin.importCatalog(sampleCatalog("DEES"))
	require.NoError(t, err)

	require.NoError(t, admin.activateCatalog(first, true))

	err = admin.activateCatalog(second, true)
	require.Equal(t, http.StatusConflict, responseStatus(err), "one active catalog per certification")

	// A different certification is unaffected.
	require.NoError(t, admin.activateCatalog(unrelated, true))

	// Deactivation is unconditional, after which the other catalog can take over.
	require.NoError(t, admin.activateCatalog(first, false))
	require.NoError(t, admin.activateCatalog(second, true))

	info, err := admin.catalogInfo(second)
	require.NoError(t, err)
	require.True(t, info.IsActive)
}

func TestValidateResponses(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	catalogId, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)

	catalog, err := admin.catalogInfo(catalogId)
	require.NoError(t, err)
	questions := catalog.Sections[0].Questions

	dossierId, err := user.createDossier("Dossier", "DEAS")
	require.NoError(t, err)

	validate := func() services.ValidateResponsesResponse {
		var res services.ValidateResponsesResponse
		body := map[string]string{"dossier_id": dossierId}
		require.NoError(t, user.Post("/questions/"+catalogId+"/validate").Json(body).Do(&res))
		return res
	}

	result := validate()
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 2, "both required questions are unanswered")

	require.NoError(t, user.saveResponses(dossierId, map[uuid.UUID]string{
		questions[0].Id: "invalide",
		questions[1].Id: "Je suis aide soignante depuis cinq ans.",
	}))

	result = validate()
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	require.Contains(t, result.Issues[0], "not one of the allowed options")

	// Answering "3+" reveals the dependent date question, which then gets a
	// bad value.
	require.NoError(t, user.saveResponses(dossierId, map[uuid.UUID]string{
		questions[0].Id: "3+",
		questions[2].Id: "pas une date",
	}))

	result = validate()
	require.False(t, result.Valid)
	require.Len(t, result.Issues, 1)
	require.Contains(t, result.Issues[0], "not a valid date")

	require.NoError(t, user.saveResponses(dossierId, map[uuid.UUID]string{
		questions[2].Id: "2022-09-01",
	}))

	result = validate()
	require.True(t, result.Valid)
	require.Empty(t, result.Issues)
}

func TestCatalogUpdateAndDelete(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)

	catalogId, err := admin.importCatalog(sampleCatalog("DEAS"))
	require.NoError(t, err)

	body := map[string]string{"title": "Référentiel DEAS 2026", "version": "2.0.0"}
	require.NoError(t, admin.Put("/questions/"+catalogId).Json(body).Do(nil))

	info, err := admin.catalogInfo(catalogId)
	require.NoError(t, err)
	require.Equal(t, "Référentiel DEAS 2026", info.Title)
	require.Equal(t, "2.0.0", info.Version)

	require.NoError(t, admin.Delete("/questions/"+catalogId).Do(nil))

	_, err = admin.catalogInfo(catalogId)
	require.Equal(t, http.StatusNotFound, responseStatus(err))
}
