package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"smartmock/fhir"
	"smartmock/oauth"
	"smartmock/session"
)

// handleFHIR gates FHIR reads on a bearer token issued by this server and
// serves the canned content configured for the owning session.
func (a *App) handleFHIR(w http.ResponseWriter, r *http.Request) {
	cw := newCaptureWriter(w)
	var sessionID string
	defer func() { a.record(r, cw, sessionID, session.TagAccess) }()

	raw := extractBearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		unauthorized(cw, "missing bearer token")
		return
	}
	tok, err := oauth.Decode(raw)
	if err != nil {
		unauthorized(cw, "invalid bearer token")
		return
	}
	if oauth.IsExpired(tok, a.now()) {
		unauthorized(cw, "bearer token expired")
		return
	}
	sess, err := a.Sessions.FindByClientID(tok.ClientID)
	if err != nil {
		unauthorized(cw, "bearer token was not issued to a registered client")
		return
	}
	sessionID = sess.ID
	cw.Header().Set(sessionHeader, sess.ID)

	switch {
	case sess.EchoedFHIRResponse != "":
		cw.Header().Set("Content-Type", fhir.ContentType)
		cw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(cw, sess.EchoedFHIRResponse)

	case sess.FHIRReadResourcesBundle != "":
		bundle, err := fhir.ParseBundle([]byte(sess.FHIRReadResourcesBundle))
		if err != nil {
			a.Logger.Warn("configured bundle unusable", "session_id", sess.ID, "error", err)
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, "configured read resources bundle is invalid").Write(cw, http.StatusBadRequest)
			return
		}
		resourceType, id, ok := fhir.ParseReadPath(chi.URLParam(r, "*"))
		if !ok {
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotSupported, "only read interactions of the form [type]/[id] are supported").Write(cw, http.StatusBadRequest)
			return
		}
		resource, found := bundle.Find(resourceType, id)
		if !found {
			fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "no "+resourceType+" with id "+id+" in the configured bundle").Write(cw, http.StatusBadRequest)
			return
		}
		cw.Header().Set("Content-Type", fhir.ContentType)
		cw.WriteHeader(http.StatusOK)
		_, _ = cw.Write(resource)

	default:
		fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, "no FHIR response configured for this session").Write(cw, http.StatusBadRequest)
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeLogin, msg).Write(w, http.StatusUnauthorized)
}
