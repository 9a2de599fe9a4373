package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smartmock/fhir"
	"smartmock/oauth"
	"smartmock/session"
)

const testBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "85", "name": [{"family": "Smith"}]}},
    {"resource": {"resourceType": "Observation", "id": "obs-1", "status": "final"}}
  ]
}`

func fhirGet(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return doRequest(t, h, req)
}

func mustToken(t *testing.T, clientID string, ttl time.Duration) string {
	t.Helper()
	tok, err := oauth.Encode(clientID, ttl, nil)
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	return tok
}

func TestFHIRAccessRejectsBadTokens(t *testing.T) {
	app, _ := setupTestApp(t)
	h := app.Routes()

	expired := oauth.Issue(asymmetricClientID, time.Hour, nil)
	past := time.Now().Add(-time.Minute).Unix()
	expired.Expiration = &past
	expiredRaw, err := expired.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing_token", ""},
		{"garbage_token", "not-a-token"},
		{"expired_token", expiredRaw},
		{"unknown_client", mustToken(t, "stranger", time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := fhirGet(t, h, "/fhir/Patient/85", tt.token)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", w.Code)
			}
			var outcome fhir.OperationOutcome
			if err := json.Unmarshal(w.Body.Bytes(), &outcome); err != nil {
				t.Fatalf("decode outcome: %v", err)
			}
			if outcome.ResourceType != "OperationOutcome" || len(outcome.Issue) != 1 {
				t.Fatalf("unexpected outcome %+v", outcome)
			}
		})
	}
}

func TestFHIRAccessEchoesConfiguredResponse(t *testing.T) {
	app, _ := setupTestApp(t)

	w := fhirGet(t, app.Routes(), "/fhir/Anything/at/all", mustToken(t, asymmetricClientID, time.Hour))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != `{"resourceType":"Patient","id":"85"}` {
		t.Fatalf("body = %s", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != fhir.ContentType {
		t.Fatalf("content type = %q", ct)
	}

	recorded := app.Store.List("asymmetric", session.TagAccess)
	if len(recorded) != 1 || recorded[0].Status != http.StatusOK {
		t.Fatalf("unexpected access records %+v", recorded)
	}
}

func TestFHIRAccessServesBundleReads(t *testing.T) {
	app, _ := setupTestApp(t, session.Registration{
		ID:                      "bundle",
		ClientType:              session.ClientPublic,
		FHIRReadResourcesBundle: testBundle,
	})
	h := app.Routes()
	token := mustToken(t, "bundle", time.Hour)

	tests := []struct {
		path       string
		wantStatus int
		wantID     string
	}{
		{"/fhir/Patient/85", http.StatusOK, "85"},
		{"/fhir/Observation/obs-1", http.StatusOK, "obs-1"},
		{"/fhir/Patient/404", http.StatusBadRequest, ""},
		{"/fhir/Patient", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := fhirGet(t, h, tt.path, token)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resource map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &resource); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantID != "" && resource["id"] != tt.wantID {
				t.Fatalf("id = %v", resource["id"])
			}
			if tt.wantID == "" && resource["resourceType"] != "OperationOutcome" {
				t.Fatalf("expected OperationOutcome, got %v", resource["resourceType"])
			}
		})
	}
}

func TestFHIRAccessWithoutCannedContent(t *testing.T) {
	app, _ := setupTestApp(t)

	w := fhirGet(t, app.Routes(), "/fhir/Patient/85", mustToken(t, publicClientID, time.Hour))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}
