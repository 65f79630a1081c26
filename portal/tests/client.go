package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"vae_facile/portal/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// envelope mirrors the response convention so that Do can hand back just the
// data payload.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("request returned status %d, content '%v'", e.status, e.body)
}

// responseStatus extracts the http status from an error returned by Do, or 0
// if the error is not an http error.
func responseStatus(err error) int {
	var herr *httpError
	if errors.As(err, &herr) {
		return herr.status
	}
	return 0
}

func (r *httpTestRequest) run() *httptest.ResponseRecorder {
	if r.json != nil {
		body := new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(r.json); err != nil {
			panic(fmt.Sprintf("error encoding json body for endpoint %v: %v", r.endpoint, err))
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)
	return w
}

// response body data will be parsed into result, passing nil indicates that
// no result is expected.
func (r *httpTestRequest) Do(result interface{}) error {
	w := r.run()

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return &httpError{status: res.StatusCode, body: w.Body.String()}
	}

	if result != nil {
		var env envelope
		if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("error parsing data of %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoRaw returns the raw response bytes, for download endpoints that do not
// use the json envelope.
func (r *httpTestRequest) DoRaw() ([]byte, error) {
	w := r.run()

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &httpError{status: res.StatusCode, body: w.Body.String()}
	}

	return w.Body.Bytes(), nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Put(endpoint string) *httpTestRequest {
	return c.request("PUT", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

type loginInfo struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c *client) signup(username, email, password string) (loginInfo, error) {
	body := map[string]string{
		"email": email, "username": username, "password": password,
	}

	err := c.Post("/user/signup").Json(body).Do(nil)
	if err != nil {
		return loginInfo{}, err
	}

	return loginInfo{Email: email, Password: password}, nil
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Post("/user/login").Json(login).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]

	return nil
}

func (c *client) userInfo() (services.UserInfo, error) {
	var res services.UserInfo
	err := c.Get("/user/info").Do(&res)
	return res, err
}

func (c *client) listUsers() ([]services.UserInfo, error) {
	var res []services.UserInfo
	err := c.Get("/user/list").Do(&res)
	return res, err
}

func (c *client) createDossier(title, certification string) (string, error) {
	body := map[string]string{"title": title, "target_certification": certification}

	var res map[string]string
	err := c.Post("/dossiers/").Json(body).Do(&res)
	return res["dossier_id"], err
}

func (c *client) dossierInfo(dossierId string) (services.DossierInfo, error) {
	var res services.DossierInfo
	err := c.Get(fmt.Sprintf("/dossiers/%v/", dossierId)).Do(&res)
	return res, err
}

func (c *client) listDossiers() ([]services.DossierInfo, error) {
	var res []services.DossierInfo
	err := c.Get("/dossiers/list").Do(&res)
	return res, err
}

func (c *client) updateDossier(dossierId string, revision int, title string) error {
	body := map[string]interface{}{"revision": revision, "title": title}
	return c.Put(fmt.Sprintf("/dossiers/%v/", dossierId)).Json(body).Do(nil)
}

func (c *client) deleteDossier(dossierId string) error {
	return c.Delete(fmt.Sprintf("/dossiers/%v/", dossierId)).Do(nil)
}

func (c *client) addSection(dossierId, title, content string) (string, error) {
	body := map[string]string{"title": title, "content": content}

	var res map[string]string
	err := c.Post(fmt.Sprintf("/dossiers/%v/sections", dossierId)).Json(body).Do(&res)
	return res["section_id"], err
}

func (c *client) updateSectionContent(dossierId, sectionId, content string) error {
	body := map[string]string{"content": content}
	return c.Put(fmt.Sprintf("/dossiers/%v/sections/%v", dossierId, sectionId)).Json(body).Do(nil)
}

func (c *client) deleteSection(dossierId, sectionId string) error {
	return c.Delete(fmt.Sprintf("/dossiers/%v/sections/%v", dossierId, sectionId)).Do(nil)
}

func (c *client) createVersion(dossierId, notes string) (int, error) {
	body := map[string]string{"notes": notes}

	var res map[string]int
	err := c.Post(fmt.Sprintf("/dossiers/%v/versions", dossierId)).Json(body).Do(&res)
	return res["number"], err
}

func (c *client) listVersions(dossierId string) ([]services.VersionInfo, error) {
	var res []services.VersionInfo
	err := c.Get(fmt.Sprintf("/dossiers/%v/versions", dossierId)).Do(&res)
	return res, err
}

func (c *client) restoreVersion(dossierId string, number int) error {
	return c.Post(fmt.Sprintf("/dossiers/%v/versions/%d/restore", dossierId, number)).Json(map[string]string{}).Do(nil)
}

func (c *client) addCollaborator(dossierId, email, role string) error {
	body := map[string]string{"email": email, "role": role}
	return c.Post(fmt.Sprintf("/dossiers/%v/collaborators", dossierId)).Json(body).Do(nil)
}

func (c *client) removeCollaborator(dossierId, userId string) error {
	return c.Delete(fmt.Sprintf("/dossiers/%v/collaborators/%v", dossierId, userId)).Do(nil)
}

func (c *client) setStatus(dossierId, status, content, errorMessage string) error {
	body := map[string]string{"status": status, "content": content, "error_message": errorMessage}
	return c.Post(fmt.Sprintf("/dossiers/%v/status", dossierId)).Json(body).Do(nil)
}

func (c *client) saveResponses(dossierId string, responses map[uuid.UUID]string) error {
	body := map[string]interface{}{"responses": responses}
	return c.Post(fmt.Sprintf("/dossiers/%v/responses", dossierId)).Json(body).Do(nil)
}

func (c *client) generateDossier(dossierId string) (services.GenerateDossierResponse, error) {
	var res services.GenerateDossierResponse
	err := c.Post(fmt.Sprintf("/dossiers/%v/generate", dossierId)).Json(map[string]string{}).Do(&res)
	return res, err
}

func (c *client) generateSection(dossierId, sectionId string) (services.GenerateSectionResponse, error) {
	var res services.GenerateSectionResponse
	err := c.Post(fmt.Sprintf("/dossiers/%v/generate/sections/%v", dossierId, sectionId)).Json(map[string]string{}).Do(&res)
	return res, err
}

func (c *client) exportDossier(dossierId, format string) (services.ExportResponse, error) {
	var res services.ExportResponse
	err := c.Get(fmt.Sprintf("/dossiers/%v/export?format=%v", dossierId, format)).Do(&res)
	return res, err
}

func (c *client) downloadExport(filename string) ([]byte, error) {
	return c.Get(fmt.Sprintf("/dossiers/download/%v", filename)).DoRaw()
}

func (c *client) listExports(dossierId string) ([]services.ExportRecordInfo, error) {
	var res []services.ExportRecordInfo
	err := c.Get(fmt.Sprintf("/dossiers/%v/exports", dossierId)).Do(&res)
	return res, err
}

func multipartFile(field, filename string, content []byte) (*bytes.Buffer, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body, writer.FormDataContentType(), nil
}

func (c *client) uploadFile(filename string, content []byte) (services.UploadInfo, error) {
	body, contentType, err := multipartFile("file", filename, content)
	if err != nil {
		return services.UploadInfo{}, err
	}

	var res services.UploadInfo
	err = c.Post("/uploads/").Header("Content-Type", contentType).Body(body).Do(&res)
	return res, err
}

func (c *client) downloadUpload(uploadId uuid.UUID) ([]byte, error) {
	return c.Get(fmt.Sprintf("/uploads/%v/download", uploadId)).DoRaw()
}

func (c *client) importCatalog(catalog interface{}) (string, error) {
	encoded, err := json.Marshal(catalog)
	if err != nil {
		return "", err
	}

	body, contentType, err := multipartFile("file", "catalog.json", encoded)
	if err != nil {
		return "", err
	}

	var res map[string]string
	err = c.Post("/questions/import").Header("Content-Type", contentType).Body(body).Do(&res)
	return res["catalog_id"], err
}

func (c *client) activateCatalog(catalogId string, active bool) error {
	body := map[string]bool{"active": active}
	return c.Post(fmt.Sprintf("/questions/%v/activate", catalogId)).Json(body).Do(nil)
}

func (c *client) catalogInfo(catalogId string) (services.CatalogInfo, error) {
	var res services.CatalogInfo
	err := c.Get(fmt.Sprintf("/questions/%v", catalogId)).Do(&res)
	return res, err
}
