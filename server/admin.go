package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"smartmock/conformance"
	"smartmock/session"
)

const maxRegistrationBytes = 1 << 20

// handleCreateSession registers a new test session.
func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var reg session.Registration
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegistrationBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reg); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid registration: " + err.Error()})
		return
	}

	sess, err := a.Sessions.Create(reg)
	switch {
	case errors.Is(err, session.ErrDuplicateClient), errors.Is(err, session.ErrDuplicateSession):
		writeJSONStatus(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	a.Logger.Info("session registered", "session_id", sess.ID, "client_id", sess.ClientID, "client_type", sess.ClientType)
	writeJSONStatus(w, http.StatusCreated, sess)
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Sessions.List())
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, sess)
}

// handleSessionRequests lists recorded requests, optionally narrowed by
// repeated tag parameters.
func (a *App) handleSessionRequests(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	var tags []session.Tag
	for _, t := range r.URL.Query()["tag"] {
		tags = append(tags, session.Tag(t))
	}
	requests := a.Store.List(sess.ID, tags...)
	if requests == nil {
		requests = []session.Request{}
	}
	writeJSON(w, requests)
}

// handleSessionReport runs the conformance verifiers over the session.
func (a *App) handleSessionReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.lookupSession(w, r)
	if !ok {
		return
	}
	suite := conformance.NewSuite(a.Assertions, a.Config.FHIRBaseURL(), a.Config.TokenURL())
	writeJSON(w, suite.Run(r.Context(), sess, a.Store.List(sess.ID), a.Store))
}

func (a *App) lookupSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := a.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return session.Session{}, false
	}
	return sess, true
}
