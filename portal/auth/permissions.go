package auth

import (
	"errors"
	"fmt"
	"net/http"
	"vae_facile/portal/schema"
	"vae_facile/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func AdminOnly(db *gorm.DB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				utils.WriteError(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !user.IsAdmin() {
				utils.WriteError(w, fmt.Sprintf("user %v is not an admin", user.Id), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

type dossierPermission int // Private so that no other permissions can be defined

const (
	NoPermission     dossierPermission = 0
	ReadPermission   dossierPermission = 1
	WritePermission  dossierPermission = 2
	ManagePermission dossierPermission = 3
	OwnerPermission  dossierPermission = 4
)

func dossierPermissionToString(perm dossierPermission) string {
	switch perm {
	case NoPermission:
		return "None"
	case ReadPermission:
		return "Read"
	case WritePermission:
		return "Write"
	case ManagePermission:
		return "Manage"
	case OwnerPermission:
		return "Owner"
	default:
		return "invalid permission"
	}
}

func collaboratorPermission(role string) dossierPermission {
	switch role {
	case schema.CollabViewer:
		return ReadPermission
	case schema.CollabEditor:
		return WritePermission
	case schema.CollabAdmin:
		return ManagePermission
	}
	return NoPermission
}

func GetDossierPermissions(dossierId uuid.UUID, user schema.User, db *gorm.DB) (dossierPermission, error) {
	dossier, err := schema.GetDossier(dossierId, db, false, false, false)
	if err != nil {
		return NoPermission, err
	}

	if user.IsAdmin() || dossier.UserId == user.Id {
		return OwnerPermission, nil
	}

	collab, err := schema.GetCollaborator(dossierId, user.Id, db)
	if err == nil {
		return collaboratorPermission(collab.Role), nil
	}
	if !errors.Is(err, schema.ErrCollaboratorNotFound) {
		return NoPermission, err
	}

	if dossier.IsPublic {
		return ReadPermission, nil
	}

	return NoPermission, nil
}

// DossierPermissionOnly rejects requests below the required permission. A
// user with no access at all gets a 404 rather than a 403 so that the
// existence of other users' dossiers is not leaked.
func DossierPermissionOnly(db *gorm.DB, minPermission dossierPermission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			dossierId, err := utils.URLParamUUID(r, "dossier_id")
			if err != nil {
				utils.WriteError(w, err.Error(), http.StatusBadRequest)
				return
			}

			user, err := UserFromContext(r)
			if err != nil {
				utils.WriteError(w, err.Error(), http.StatusInternalServerError)
				return
			}

			permission, err := GetDossierPermissions(dossierId, user, db)
			if err != nil {
				if errors.Is(err, schema.ErrDossierNotFound) {
					utils.WriteError(w, err.Error(), http.StatusNotFound)
					return
				}
				utils.WriteError(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if permission >= minPermission {
				next.ServeHTTP(w, r)
				return
			}

			if permission == NoPermission {
				utils.WriteError(w, schema.ErrDossierNotFound.Error(), http.StatusNotFound)
				return
			}

			required, actual := dossierPermissionToString(minPermission), dossierPermissionToString(permission)
			utils.WriteError(w, fmt.Sprintf("user %v does not have required permission for dossier %v (required=%v, actual=%v)", user.Id, dossierId, required, actual), http.StatusForbidden)
		}
		return http.HandlerFunc(hfn)
	}
}
