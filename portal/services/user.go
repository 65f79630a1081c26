package services

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
	"vae_facile/portal/auth"
	"vae_facile/portal/schema"
	"vae_facile/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db *gorm.DB

	userAuth auth.IdentityProvider
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/signup", s.Signup)
	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Get("/token-expiration", s.TokenExpiration)
		r.Put("/profile", s.UpdateProfile)
		r.Post("/change-password", s.ChangePassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Use(auth.AdminOnly(s.db))

		r.Get("/list", s.List)
		r.Post("/create", s.Create)
		r.Delete("/{user_id}", s.Delete)
		r.Post("/{user_id}/role", s.UpdateRole)
		r.Post("/{user_id}/subscription", s.UpdateSubscription)
	})

	return r
}

type SignupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SignupResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Signup(w http.ResponseWriter, r *http.Request) {
	var params SignupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Username == "" || params.Email == "" || len(params.Password) < 8 {
		utils.WriteError(w, "username, email, and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyInUse) || errors.Is(err, auth.ErrUsernameAlreadyInUse) {
			utils.WriteError(w, err.Error(), http.StatusConflict)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("new user signed up", "user_id", userId, "username", params.Username)

	utils.WriteJsonResponse(w, SignupResponse{UserId: userId})
}

// Create lets an admin provision an account directly, for example for a coach
// who is onboarded by support rather than through the public signup form.
func (s *UserService) Create(w http.ResponseWriter, r *http.Request) {
	var params SignupRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Username == "" || params.Email == "" || len(params.Password) < 8 {
		utils.WriteError(w, "username, email, and a password of at least 8 characters are required", http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailAlreadyInUse) || errors.Is(err, auth.ErrUsernameAlreadyInUse) {
			utils.WriteError(w, err.Error(), http.StatusConflict)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("user created by admin", "user_id", userId, "username", params.Username)

	utils.WriteJsonResponse(w, SignupResponse{UserId: userId})
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	var params LoginRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	result, err := s.userAuth.LoginWithEmail(params.Email, params.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFoundWithEmail) || errors.Is(err, auth.ErrInvalidCredentials) {
			utils.WriteError(w, auth.ErrInvalidCredentials.Error(), http.StatusUnauthorized)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, LoginResponse{UserId: result.UserId, AccessToken: result.AccessToken})
}

type UserInfo struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`

	Role               string `json:"role"`
	SubscriptionStatus string `json:"subscription_status"`

	DossiersCreated int `json:"dossiers_created"`

	CreatedAt time.Time `json:"created_at"`
}

func userInfo(user schema.User) UserInfo {
	return UserInfo{
		Id:                 user.Id,
		Username:           user.Username,
		Email:              user.Email,
		FirstName:          user.FirstName,
		LastName:           user.LastName,
		Role:               user.Role,
		SubscriptionStatus: user.SubscriptionStatus,
		DossiersCreated:    user.DossiersCreated,
		CreatedAt:          user.CreatedAt,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	requestUser, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	user, err := schema.GetUser(requestUser.Id, s.db)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, userInfo(user))
}

type TokenExpirationResponse struct {
	Expiration time.Time `json:"expiration"`
}

func (s *UserService) TokenExpiration(w http.ResponseWriter, r *http.Request) {
	expiration, err := s.userAuth.GetTokenExpiration(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}
	utils.WriteJsonResponse(w, TokenExpirationResponse{Expiration: expiration})
}

type UpdateProfileRequest struct {
	Username  *string `json:"username"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
}

func (s *UserService) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params UpdateProfileRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	updates := map[string]interface{}{}
	if params.Username != nil {
		if *params.Username == "" {
			utils.WriteError(w, "username cannot be empty", http.StatusBadRequest)
			return
		}
		updates["username"] = *params.Username
	}
	if params.FirstName != nil {
		updates["first_name"] = *params.FirstName
	}
	if params.LastName != nil {
		updates["last_name"] = *params.LastName
	}
	if len(updates) == 0 {
		utils.WriteSuccess(w)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if username, ok := updates["username"]; ok {
			var existing schema.User
			result := txn.Limit(1).Find(&existing, "username = ? AND id <> ?", username, user.Id)
			if result.Error != nil {
				slog.Error("sql error checking username uniqueness", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if result.RowsAffected > 0 {
				return CodedError(auth.ErrUsernameAlreadyInUse, http.StatusConflict)
			}
		}

		result := txn.Model(&schema.User{Id: user.Id}).Updates(updates)
		if result.Error != nil {
			slog.Error("sql error updating user profile", "user_id", user.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *UserService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params ChangePasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.NewPassword) < 8 {
		utils.WriteError(w, "new password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	if err := s.userAuth.ChangePassword(user.Id, params.OldPassword, params.NewPassword); err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			utils.WriteError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteSuccess(w)
}

func (s *UserService) List(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Order("created_at ASC").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		utils.WriteError(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]UserInfo, 0, len(users))
	for _, user := range users {
		infos = append(infos, userInfo(user))
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *UserService) Delete(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	requestUser, err := auth.UserFromContext(r)
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if requestUser.Id == userId {
		utils.WriteError(w, "admins cannot delete their own account", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		// Owned dossiers move to the deleting admin instead of cascading so
		// that collaborator work is not destroyed with the account.
		result := txn.Model(&schema.Dossier{}).Where("user_id = ?", userId).
			Update("user_id", requestUser.Id)
		if result.Error != nil {
			slog.Error("sql error reassigning dossiers of deleted user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		result = txn.Delete(&schema.User{Id: userId})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	slog.Info("user deleted", "user_id", userId, "deleted_by", requestUser.Id)

	utils.WriteSuccess(w)
}

type UpdateRoleRequest struct {
	Role string `json:"role"`
}

func (s *UserService) UpdateRole(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params UpdateRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Role != schema.RoleUser && params.Role != schema.RoleAdmin && params.Role != schema.RoleCoach {
		utils.WriteError(w, "role must be one of 'user', 'admin', or 'coach'", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUser(userId, txn)
		if err != nil {
			if errors.Is(err, schema.ErrUserNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if user.IsAdmin() && params.Role != schema.RoleAdmin {
			var admins int64
			result := txn.Model(&schema.User{}).Where("role = ?", schema.RoleAdmin).Count(&admins)
			if result.Error != nil {
				slog.Error("sql error counting admins", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if admins <= 1 {
				return CodedError(errors.New("cannot demote the last admin"), http.StatusBadRequest)
			}
		}

		result := txn.Model(&schema.User{Id: userId}).Update("role", params.Role)
		if result.Error != nil {
			slog.Error("sql error updating user role", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

type UpdateSubscriptionRequest struct {
	SubscriptionStatus string `json:"subscription_status"`
}

func (s *UserService) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		utils.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params UpdateSubscriptionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.SubscriptionStatus != schema.SubscriptionFree && params.SubscriptionStatus != schema.SubscriptionPremium {
		utils.WriteError(w, "subscription_status must be 'free' or 'premium'", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if err := checkUserExists(txn, userId); err != nil {
			return err
		}

		result := txn.Model(&schema.User{Id: userId}).Update("subscription_status", params.SubscriptionStatus)
		if result.Error != nil {
			slog.Error("sql error updating user subscription", "user_id", userId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		utils.WriteError(w, err.Error(), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}
