package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/multigrid"
	"github.com/sidkik/emsync/pkg/registry"
	"github.com/sidkik/emsync/pkg/session"
)

// SourceRequest identifies an instance within the session in the path.
type SourceRequest struct {
	Source string `json:"source" validate:"required"`
}

// AttachRequest binds a client to a session.
type AttachRequest struct {
	SessionID int64 `json:"session_id" validate:"required,gt=0"`
}

// SkippedFile is a file that the last transfer pass couldn't transfer.
type SkippedFile struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var sess session.Session
	if !s.decode(w, r, &sess) {
		return
	}

	created, err := s.opts.Sessions.Create(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.opts.Sessions.Get(sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.opts.Sessions.Start(r.Context(), sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.opts.Sessions.End(r.Context(), sid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connectClient(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, s.opts.Sessions.Connect())
}

func (s *Server) attachClient(w http.ResponseWriter, r *http.Request) {
	var req AttachRequest
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.opts.Sessions.AttachClient(chi.URLParam(r, "cid"), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, client)
}

func (s *Server) disconnectClient(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Disconnect(chi.URLParam(r, "cid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	instances := s.opts.Registry.GetAll(sid)
	if instances == nil {
		instances = []registry.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var reg registry.Registration
	if !s.decodeInto(w, r, &reg, func() { reg.SessionID = sid }) {
		return
	}

	sess, err := s.opts.Sessions.Get(sid)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.VisitEndTime != nil && !sess.Started {
		writeError(w, errors.SessionEndedError{SessionID: sid})
		return
	}

	inst, err := s.opts.Registry.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) removeInstance(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req SourceRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.opts.Registry.Remove(r.Context(), sid, req.Source); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listSkipped(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	source := r.URL.Query().Get("source")
	if source == "" {
		writeError(w, errors.ValidationError{Field: "source", Reason: "must not be empty"})
		return
	}

	skipped, err := s.opts.Registry.Skipped(sid, source)
	if err != nil {
		writeError(w, err)
		return
	}

	files := make([]SkippedFile, 0, len(skipped))
	for _, file := range skipped {
		files = append(files, SkippedFile{Path: file.Path, Reason: file.Reason})
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) instanceAction(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var action func(ctx context.Context, sessionID int64, source string) (registry.Instance, error)
	switch chi.URLParam(r, "action") {
	case "pause":
		action = s.opts.Registry.Pause
	case "restart":
		action = s.opts.Registry.Restart
	case "finalise":
		action = s.opts.Registry.Finalise
	case "flush_skipped":
		action = s.opts.Registry.FlushSkipped
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown action"})
		return
	}

	var req SourceRequest
	if !s.decode(w, r, &req) {
		return
	}

	inst, err := action(r.Context(), sid, req.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) startWatcher(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req multigrid.WatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	status, err := s.opts.Watchers.StartWatcher(sid, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) watcherStatus(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	status, err := s.opts.Watchers.Status(sid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) stopWatcher(w http.ResponseWriter, r *http.Request) {
	sid, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.opts.Watchers.StopWatcher(sid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode parses and validates the request body. If it fails, the error is
// written and false is returned.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return s.decodeInto(w, r, dst, nil)
}

// decodeInto is decode with a hook that runs between parsing and
// validation, for fields that come from the path.
func (s *Server) decodeInto(w http.ResponseWriter, r *http.Request, dst interface{}, fill func()) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if fill != nil {
		fill()
	}

	if err := s.validate.Struct(dst); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			err = errors.ValidationError{Field: invalid[0].Field(), Reason: "failed " + invalid[0].Tag()}
		}
		writeError(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.As(err, &errors.NotFoundError{}),
		errors.As(err, &errors.ClientNotFoundError{}):
		return http.StatusNotFound
	case errors.As(err, &errors.DuplicateInstanceError{}),
		errors.As(err, &errors.FinalisedError{}),
		errors.As(err, &errors.SessionEndedError{}),
		errors.As(err, &errors.DriverConflictError{}):
		return http.StatusConflict
	case errors.As(err, &errors.ValidationError{}):
		return http.StatusUnprocessableEntity
	case errors.As(err, &errors.ConfigurationError{}):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
