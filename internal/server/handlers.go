package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/adrianmcphee/crmbase"
)

type errorResponse struct {
	Error     string `json:"error"`
	ErrorName string `json:"error_name,omitempty"`
}

// apiFunc handles one request inside an open session and returns the value
// to encode as the JSON answer.
type apiFunc func(r *http.Request, session crmbase.Session) (interface{}, error)

func (s *Server) api(fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out interface{}
		err := crmbase.WithSession(r.Context(), s.adapter, func(session crmbase.Session) error {
			var err error
			out, err = fn(r, session)
			return err
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		render.JSON(w, r, out)
	}
}

var errorNames = []struct {
	err  error
	name string
}{
	{crmbase.ErrNotFound, "NotFound"},
	{crmbase.ErrAlreadyExists, "AlreadyExists"},
	{crmbase.ErrConflict, "Conflict"},
	{crmbase.ErrInvalidData, "InvalidData"},
	{crmbase.ErrBackendUnavailable, "BackendUnavailable"},
	{crmbase.ErrUnauthorized, "Unauthorized"},
	{crmbase.ErrTimeout, "Timeout"},
	{crmbase.ErrSessionClosed, "SessionClosed"},
	{crmbase.ErrInvalidConfig, "InvalidConfig"},
}

func errorName(err error) string {
	for _, e := range errorNames {
		if errors.Is(err, e.err) {
			return e.name
		}
	}
	return "Error"
}

// writeError answers business rule violations with 400, or 404 and 409 for
// missing and duplicate entities. Anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if crmbase.IsBusinessError(err) {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, crmbase.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, crmbase.ErrAlreadyExists):
			status = http.StatusConflict
		}
		render.Status(r, status)
		render.JSON(w, r, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Error("request failed",
		"req_id", RequestID(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	render.Status(r, http.StatusInternalServerError)
	render.JSON(w, r, errorResponse{Error: err.Error(), ErrorName: errorName(err)})
}

func badRequest(msg string) error {
	return crmbase.NewBusinessError(msg, crmbase.ErrInvalidData)
}

func notFound(msg string) error {
	return crmbase.NewBusinessError(msg, crmbase.ErrNotFound)
}

// param returns an unescaped URL parameter. chi matches on the raw path, so
// parameters keep their percent-encoding.
func param(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func decode(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body")
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

// health reports 503 when the database cannot be reached.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := crmbase.Ping(r.Context(), s.adapter); err != nil {
		s.logger.Warn("health check failed", "req_id", RequestID(r.Context()), "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, errorResponse{Error: err.Error(), ErrorName: errorName(err)})
		return
	}
	render.JSON(w, r, healthResponse{Status: "ok"})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var db crmbase.Database
	if err := decode(r, &db); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.adapter.Create(r.Context(), &db); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("database reset", "req_id", RequestID(r.Context()), "companies", len(db.Companies))
	s.api(func(r *http.Request, session crmbase.Session) (interface{}, error) {
		return session.LoadConfig(r.Context())
	})(w, r)
}

func (s *Server) dump(r *http.Request, session crmbase.Session) (interface{}, error) {
	return session.Dump(r.Context())
}

func (s *Server) listCompanies(r *http.Request, session crmbase.Session) (interface{}, error) {
	rows, err := session.SearchCompanies(r.Context(), "")
	if err != nil {
		return nil, err
	}
	return crmbase.CompanyRows{Rows: rows}, nil
}

func (s *Server) searchCompanies(r *http.Request, session crmbase.Session) (interface{}, error) {
	rows, err := session.SearchCompanies(r.Context(), param(r, "filter"))
	if err != nil {
		return nil, err
	}
	return crmbase.CompanyRows{Rows: rows}, nil
}

func (s *Server) getCompany(r *http.Request, session crmbase.Session) (interface{}, error) {
	company, err := session.FindCompanyByName(r.Context(), param(r, "name"))
	if err != nil {
		return nil, err
	}
	if company == nil {
		return nil, notFound(crmbase.MsgCompanyNotFound)
	}
	return company, nil
}

func (s *Server) addCompany(r *http.Request, session crmbase.Session) (interface{}, error) {
	var company crmbase.Company
	if err := decode(r, &company); err != nil {
		return nil, err
	}
	return session.AddCompany(r.Context(), &company)
}

func (s *Server) updateCompany(r *http.Request, session crmbase.Session) (interface{}, error) {
	var update crmbase.CompanyUpdate
	if err := decode(r, &update); err != nil {
		return nil, err
	}
	company, err := session.UpdateCompany(r.Context(), param(r, "name"), update)
	if err != nil {
		return nil, err
	}
	return crmbase.CompanyResult{Company: company}, nil
}

type interactionRequest struct {
	Company string `json:"company"`
	crmbase.Interaction
}

type interactionResponse struct {
	Interaction *crmbase.Interaction `json:"interaction"`
	Company     string               `json:"company,omitempty"`
	Index       *int                 `json:"index,omitempty"`
}

func (s *Server) addInteraction(r *http.Request, session crmbase.Session) (interface{}, error) {
	var req interactionRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Company == "" {
		return nil, badRequest(`"company" missing`)
	}
	added, err := crmbase.AddInteraction(r.Context(), session, req.Company, req.Interaction)
	if err != nil {
		return nil, err
	}
	return interactionResponse{Interaction: added.Interaction, Company: added.Company.Name, Index: &added.Index}, nil
}

func interactionIndex(r *http.Request) (int, error) {
	index, err := strconv.Atoi(param(r, "index"))
	if err != nil {
		return 0, badRequest(`"index" must be a number`)
	}
	return index, nil
}

func (s *Server) updateInteraction(r *http.Request, session crmbase.Session) (interface{}, error) {
	index, err := interactionIndex(r)
	if err != nil {
		return nil, err
	}
	var update crmbase.InteractionUpdate
	if err := decode(r, &update); err != nil {
		return nil, err
	}
	interaction, err := crmbase.UpdateInteraction(r.Context(), session, param(r, "companyName"), index, update)
	if err != nil {
		return nil, err
	}
	return interactionResponse{Interaction: interaction}, nil
}

func (s *Server) doneInteraction(r *http.Request, session crmbase.Session) (interface{}, error) {
	index, err := interactionIndex(r)
	if err != nil {
		return nil, err
	}
	interaction, err := crmbase.DoneInteraction(r.Context(), session, param(r, "companyName"), index)
	if err != nil {
		return nil, err
	}
	return interactionResponse{Interaction: interaction}, nil
}

func (s *Server) followups(r *http.Request, session crmbase.Session) (interface{}, error) {
	start := r.URL.Query().Get("start_date")
	end := r.URL.Query().Get("end_date")
	if start == "" || end == "" {
		return nil, badRequest("start_date and end_date are required")
	}
	followups, err := session.FindFollowups(r.Context(), start, end)
	if err != nil {
		return nil, err
	}
	return crmbase.FollowupList{Followups: followups}, nil
}

func (s *Server) getContact(r *http.Request, session crmbase.Session) (interface{}, error) {
	found, err := session.FindContactByEmail(r.Context(), param(r, "email"))
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFound(crmbase.MsgContactNotFound)
	}
	return crmbase.ContactResult{Company: found.Company.Name, Contact: *found.Contact}, nil
}

type contactRequest struct {
	Company string `json:"company"`
	crmbase.Contact
}

type contactResponse struct {
	Contact *crmbase.Contact `json:"contact"`
}

func (s *Server) addContact(r *http.Request, session crmbase.Session) (interface{}, error) {
	var req contactRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Company == "" {
		return nil, badRequest(`"company" missing`)
	}
	contact, err := crmbase.AddContact(r.Context(), session, req.Company, req.Contact)
	if err != nil {
		return nil, err
	}
	return contactResponse{Contact: contact}, nil
}

func (s *Server) updateContact(r *http.Request, session crmbase.Session) (interface{}, error) {
	var update crmbase.ContactUpdate
	if err := decode(r, &update); err != nil {
		return nil, err
	}
	contact, err := crmbase.UpdateContact(r.Context(), session, param(r, "email"), update)
	if err != nil {
		return nil, err
	}
	return contactResponse{Contact: contact}, nil
}

func appResult(found *crmbase.CompanyApp) (interface{}, error) {
	if found == nil {
		return nil, notFound(crmbase.MsgAppNotFound)
	}
	return crmbase.AppResult{Company: found.Company.Name, App: *found.App}, nil
}

func (s *Server) getAppByName(r *http.Request, session crmbase.Session) (interface{}, error) {
	found, err := session.FindAppByName(r.Context(), param(r, "appName"))
	if err != nil {
		return nil, err
	}
	return appResult(found)
}

func (s *Server) getAppByEmail(r *http.Request, session crmbase.Session) (interface{}, error) {
	found, err := session.FindAppByEmail(r.Context(), param(r, "email"))
	if err != nil {
		return nil, err
	}
	return appResult(found)
}

type appRequest struct {
	Company string `json:"company"`
	crmbase.App
}

type appResponse struct {
	Message string       `json:"message,omitempty"`
	App     *crmbase.App `json:"app"`
}

func (s *Server) addApp(r *http.Request, session crmbase.Session) (interface{}, error) {
	var req appRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Company == "" {
		return nil, badRequest(`"company" missing`)
	}
	app, err := crmbase.AddApp(r.Context(), session, req.Company, req.App)
	if err != nil {
		return nil, err
	}
	return appResponse{App: app}, nil
}

func (s *Server) updateApp(r *http.Request, session crmbase.Session) (interface{}, error) {
	var update crmbase.AppUpdate
	if err := decode(r, &update); err != nil {
		return nil, err
	}
	app, err := crmbase.UpdateApp(r.Context(), session, param(r, "appName"), update)
	if err != nil {
		return nil, err
	}
	return appResponse{Message: "App updated successfully", App: app}, nil
}

func (s *Server) getConfig(r *http.Request, session crmbase.Session) (interface{}, error) {
	return session.LoadConfig(r.Context())
}

func (s *Server) updateConfig(r *http.Request, session crmbase.Session) (interface{}, error) {
	var update crmbase.ConfigUpdate
	if err := decode(r, &update); err != nil {
		return nil, err
	}
	return session.UpdateConfig(r.Context(), update)
}

func (s *Server) getStaff(r *http.Request, session crmbase.Session) (interface{}, error) {
	cfg, err := session.LoadConfig(r.Context())
	if err != nil {
		return nil, err
	}
	return cfg.Staff, nil
}

type staffRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s *Server) addStaff(r *http.Request, session crmbase.Session) (interface{}, error) {
	var req staffRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	staff, err := crmbase.AddStaff(r.Context(), session, req.Email, req.Name)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"staff": staff}, nil
}

type templatesResponse struct {
	Templates []crmbase.TemplateEmail `json:"templates"`
}

// getTemplates lists templates, rendered for the contact matching the
// renderFor query parameter when present.
func (s *Server) getTemplates(r *http.Request, session crmbase.Session) (interface{}, error) {
	cfg, err := session.LoadConfig(r.Context())
	if err != nil {
		return nil, err
	}
	templates := cfg.Templates
	if templates == nil {
		templates = []crmbase.TemplateEmail{}
	}
	filter := r.URL.Query().Get("renderFor")
	if filter == "" {
		return templatesResponse{Templates: templates}, nil
	}
	rc, _, err := crmbase.ResolveRenderContext(r.Context(), session, filter)
	if err != nil {
		return nil, err
	}
	rendered := make([]crmbase.TemplateEmail, len(templates))
	for i, t := range templates {
		rendered[i] = crmbase.RenderTemplateEmail(t, rc)
	}
	return templatesResponse{Templates: rendered}, nil
}

type templateResponse struct {
	Template *crmbase.TemplateEmail `json:"template"`
}

func (s *Server) addTemplate(r *http.Request, session crmbase.Session) (interface{}, error) {
	var tmpl crmbase.TemplateEmail
	if err := decode(r, &tmpl); err != nil {
		return nil, err
	}
	added, err := crmbase.AddTemplate(r.Context(), session, tmpl)
	if err != nil {
		return nil, err
	}
	return templateResponse{Template: added}, nil
}

type renderRequest struct {
	Template crmbase.TemplateEmail `json:"template"`
	Filter   string                `json:"filter"`
}

func (s *Server) renderTemplate(r *http.Request, session crmbase.Session) (interface{}, error) {
	var req renderRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	rc, ok, err := crmbase.ResolveRenderContext(r.Context(), session, req.Filter)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound(crmbase.MsgContactNotFound)
	}
	rendered := crmbase.RenderTemplateEmail(req.Template, rc)
	return templateResponse{Template: &rendered}, nil
}
