package tests

import (
	"fmt"
	"net/http"
	"testing"
	"vae_facile/portal/services"

	"github.com/stretchr/testify/require"
)

func TestUploadRoundtrip(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	content := []byte("attestation de travail, huit années d'expérience")

	info, err := user.uploadFile("attestation.txt", content)
	require.NoError(t, err)
	require.Equal(t, "attestation.txt", info.FileName)
	require.Equal(t, "txt", info.Extension)
	require.Equal(t, int64(len(content)), info.Size)
	require.Equal(t, "pending", info.Status)

	downloaded, err := user.downloadUpload(info.Id)
	require.NoError(t, err)
	require.Equal(t, content, downloaded)

	uploads := []services.UploadInfo{}
	require.NoError(t, user.Get("/uploads/list").Do(&uploads))
	require.Len(t, uploads, 1)
}

func TestUploadIsMaskedForStrangers(t *testing.T) {
	env := setupTestEnv(t)

	owner, err := env.newUser("owner")
	require.NoError(t, err)

	stranger, err := env.newUser("stranger")
	require.NoError(t, err)

	info, err := owner.uploadFile("diplome.pdf", []byte("pdf bytes"))
	require.NoError(t, err)

	_, err = stranger.downloadUpload(info.Id)
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	err = stranger.Delete(fmt.Sprintf("/uploads/%v", info.Id)).Do(nil)
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	uploads := []services.UploadInfo{}
	require.NoError(t, stranger.Get("/uploads/list").Do(&uploads))
	require.Empty(t, uploads)
}

func TestUploadUpdate(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Dossier", "")
	require.NoError(t, err)

	info, err := user.uploadFile("preuve.txt", []byte("preuve"))
	require.NoError(t, err)

	body := map[string]interface{}{
		"status":     "completed",
		"dossier_id": dossierId,
		"metadata":   map[string]string{"source": "employeur"},
		"tags":       []string{"preuve", "2022"},
	}
	require.NoError(t, user.Put(fmt.Sprintf("/uploads/%v", info.Id)).Json(body).Do(nil))

	var updated services.UploadInfo
	require.NoError(t, user.Get(fmt.Sprintf("/uploads/%v", info.Id)).Do(&updated))
	require.Equal(t, "completed", updated.Status)
	require.Equal(t, dossierId, updated.DossierId.String())
	require.Equal(t, map[string]string{"source": "employeur"}, updated.Metadata)
	require.ElementsMatch(t, []string{"preuve", "2022"}, updated.Tags)

	err = user.Put(fmt.Sprintf("/uploads/%v", info.Id)).Json(map[string]string{"status": "bogus"}).Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
}

func TestUploadDelete(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	info, err := user.uploadFile("brouillon.txt", []byte("brouillon"))
	require.NoError(t, err)

	require.NoError(t, user.Delete(fmt.Sprintf("/uploads/%v", info.Id)).Do(nil))

	_, err = user.downloadUpload(info.Id)
	require.Equal(t, http.StatusNotFound, responseStatus(err))

	exists, err := env.storage.Exists(fmt.Sprintf("uploads/%v/brouillon.txt", info.Id))
	require.NoError(t, err)
	require.False(t, exists, "the stored file is removed with the record")
}
