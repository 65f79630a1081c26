package tests

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignupAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	for i := 0; i < 5; i++ {
		username := fmt.Sprintf("user%d", i)
		email := fmt.Sprintf("user%d@mail.com", i)
		password := fmt.Sprintf("user%d_password", i)

		client := env.newClient()
		login, err := client.signup(username, email, password)
		require.NoError(t, err)

		_, err = client.signup(username, email, password)
		require.Error(t, err, "duplicate signup should fail")
		require.Equal(t, http.StatusConflict, responseStatus(err))

		err = client.login(loginInfo{Email: "wrong@mail.com", Password: password})
		require.Equal(t, http.StatusUnauthorized, responseStatus(err))

		err = client.login(loginInfo{Email: email, Password: "wrong_password"})
		require.Equal(t, http.StatusUnauthorized, responseStatus(err))

		err = client.login(login)
		require.NoError(t, err)

		info, err := client.userInfo()
		require.NoError(t, err)
		require.Equal(t, username, info.Username)
		require.Equal(t, email, info.Email)
		require.Equal(t, client.userId, info.Id.String())
		require.Equal(t, "user", info.Role)
		require.Equal(t, "free", info.SubscriptionStatus)
	}
}

func TestSignupValidation(t *testing.T) {
	env := setupTestEnv(t)

	client := env.newClient()

	_, err := client.signup("abc", "abc@mail.com", "short")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	_, err = client.signup("", "abc@mail.com", "long_enough_password")
	require.Equal(t, http.StatusBadRequest, responseStatus(err))
}

func TestUserListIsAdminOnly(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	_, err = user.listUsers()
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	admin, err := env.adminClient()
	require.NoError(t, err)

	users, err := admin.listUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
}

func TestUpdateProfile(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	body := map[string]string{"first_name": "Marie", "last_name": "Dupont"}
	require.NoError(t, user.Put("/user/profile").Json(body).Do(nil))

	info, err := user.userInfo()
	require.NoError(t, err)
	require.Equal(t, "Marie", info.FirstName)
	require.Equal(t, "Dupont", info.LastName)

	_, err = env.newUser("xyz")
	require.NoError(t, err)

	err = user.Put("/user/profile").Json(map[string]string{"username": "xyz"}).Do(nil)
	require.Equal(t, http.StatusConflict, responseStatus(err))
}

func TestChangePassword(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	body := map[string]string{"old_password": "wrong", "new_password": "new_password_123"}
	err = user.Post("/user/change-password").Json(body).Do(nil)
	require.Equal(t, http.StatusUnauthorized, responseStatus(err))

	body["old_password"] = "abc_password"
	require.NoError(t, user.Post("/user/change-password").Json(body).Do(nil))

	fresh := env.newClient()
	err = fresh.login(loginInfo{Email: "abc@mail.com", Password: "abc_password"})
	require.Equal(t, http.StatusUnauthorized, responseStatus(err))

	require.NoError(t, fresh.login(loginInfo{Email: "abc@mail.com", Password: "new_password_123"}))
}

func TestUpdateRoleAndSubscription(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	admin, err := env.adminClient()
	require.NoError(t, err)

	err = user.Post(fmt.Sprintf("/user/%v/role", user.userId)).Json(map[string]string{"role": "admin"}).Do(nil)
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	err = admin.Post(fmt.Sprintf("/user/%v/role", user.userId)).Json(map[string]string{"role": "superuser"}).Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	require.NoError(t, admin.Post(fmt.Sprintf("/user/%v/role", user.userId)).Json(map[string]string{"role": "coach"}).Do(nil))
	require.NoError(t, admin.Post(fmt.Sprintf("/user/%v/subscription", user.userId)).Json(map[string]string{"subscription_status": "premium"}).Do(nil))

	info, err := user.userInfo()
	require.NoError(t, err)
	require.Equal(t, "coach", info.Role)
	require.Equal(t, "premium", info.SubscriptionStatus)
}

func TestAdminCreateUser(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	body := map[string]string{"username": "coach1", "email": "coach1@mail.com", "password": "coach1_password"}
	err = user.Post("/user/create").Json(body).Do(nil)
	require.Equal(t, http.StatusForbidden, responseStatus(err))

	admin, err := env.adminClient()
	require.NoError(t, err)

	require.NoError(t, admin.Post("/user/create").Json(body).Do(nil))

	created := env.newClient()
	require.NoError(t, created.login(loginInfo{Email: "coach1@mail.com", Password: "coach1_password"}))

	err = admin.Post("/user/create").Json(body).Do(nil)
	require.Equal(t, http.StatusConflict, responseStatus(err))
}

func TestCannotDemoteLastAdmin(t *testing.T) {
	env := setupTestEnv(t)

	admin, err := env.adminClient()
	require.NoError(t, err)

	err = admin.Post(fmt.Sprintf("/user/%v/role", admin.userId)).Json(map[string]string{"role": "user"}).Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err))

	user, err := env.newUser("abc")
	require.NoError(t, err)
	require.NoError(t, admin.Post(fmt.Sprintf("/user/%v/role", user.userId)).Json(map[string]string{"role": "admin"}).Do(nil))

	// With a second admin in place the original one can step down.
	require.NoError(t, admin.Post(fmt.Sprintf("/user/%v/role", admin.userId)).Json(map[string]string{"role": "user"}).Do(nil))
}

func TestDeleteUserReassignsDossiers(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("abc")
	require.NoError(t, err)

	dossierId, err := user.createDossier("Mon dossier", "")
	require.NoError(t, err)

	admin, err := env.adminClient()
	require.NoError(t, err)

	err = admin.Delete(fmt.Sprintf("/user/%v", admin.userId)).Do(nil)
	require.Equal(t, http.StatusBadRequest, responseStatus(err), "admins cannot delete themselves")

	require.NoError(t, admin.Delete(fmt.Sprintf("/user/%v", user.userId)).Do(nil))

	info, err := admin.dossierInfo(dossierId)
	require.NoError(t, err)
	require.Equal(t, admin.userId, info.UserId.String())
}
