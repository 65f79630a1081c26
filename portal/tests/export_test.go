package tests

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupExportDossier(t *testing.T, env *testEnv) (client, string) {
	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Mon dossier VAE", "DEAS")
	require.NoError(t, err)

	_, err = user.addSection(dossierId, "Parcours professionnel", "Huit années comme aide soignante en milieu hospitalier.")
	require.NoError(t, err)
	_, err = user.addSection(dossierId, "Motivation", "Obtenir la reconnaissance de mon expérience.")
	require.NoError(t, err)

	return user, dossierId
}

func TestExportUnknownFormat(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	_, err := user.exportDossier(dossierId, "odt")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	records, err := user.listExports(dossierId)
	require.NoError(t, err)
	require.Empty(t, records, "a rejected format must not leave a record behind")
}

func TestExportTxt(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	res, err := user.exportDossier(dossierId, "txt")
	require.NoError(t, err)

	data, err := user.downloadExport(res.FileName)
	require.NoError(t, err)

	text := string(data)
	require.True(t, strings.HasPrefix(text, "Mon dossier VAE"))
	require.Contains(t, text, "## Parcours professionnel")
	require.Contains(t, text, "## Motivation")
	require.Contains(t, text, "aide soignante")
}

func TestExportPdf(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	res, err := user.exportDossier(dossierId, "pdf")
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(res.FileName, ".pdf"))

	data, err := user.downloadExport(res.FileName)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "%PDF-"), "pdf magic bytes")
	require.Greater(t, len(data), 1024)
}

func TestExportDocx(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	res, err := user.exportDossier(dossierId, "docx")
	require.NoError(t, err)

	data, err := user.downloadExport(res.FileName)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), "PK\x03\x04"), "zip magic bytes")
	require.Greater(t, len(data), 10*1024)
}

func TestExportRecords(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	for _, format := range []string{"pdf", "txt", "pdf"} {
		_, err := user.exportDossier(dossierId, format)
		require.NoError(t, err)
	}

	records, err := user.listExports(dossierId)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, record := range records {
		require.Equal(t, 1, record.Version)
		require.Equal(t, user.userId, record.CreatedBy.String())
	}
}

func TestExportAccessFollowsDossier(t *testing.T) {
	env := setupTestEnv(t)
	user, dossierId := setupExportDossier(t, env)

	stranger, err := env.newUser("stranger")
	require.NoError(t, err)

	res, err := user.exportDossier(dossierId, "txt")
	require.NoError(t, err)

	_, err = stranger.exportDossier(dossierId, "txt")
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	_, err = stranger.downloadExport(res.FileName)
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	_, err = stranger.downloadExport("missing.txt")
	require.Equal(t, http.StatusNotFound, responseStatus(err))
}
