// Package conformance grades the traffic a client under test produced
// against a session. Each verifier reads recorded requests and yields a
// pass, fail or skip result with human-readable messages.
package conformance

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"smartmock/assertion"
	"smartmock/session"
)

// Status is the outcome of a single verifier.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Message severities.
const (
	MessageError   = "error"
	MessageWarning = "warning"
	MessageInfo    = "info"
)

// Message is a single finding.
type Message struct {
	Type string `json:"type"`
	Text string `json:"message"`
}

// Result is what one verifier concluded.
type Result struct {
	Name     string            `json:"name"`
	Status   Status            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Messages []Message         `json:"messages,omitempty"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

func (r *Result) errorf(format string, args ...any) {
	r.Messages = append(r.Messages, Message{Type: MessageError, Text: fmt.Sprintf(format, args...)})
}

func (r *Result) warnf(format string, args ...any) {
	r.Messages = append(r.Messages, Message{Type: MessageWarning, Text: fmt.Sprintf(format, args...)})
}

func (r *Result) output(key, value string) {
	if r.Outputs == nil {
		r.Outputs = make(map[string]string)
	}
	r.Outputs[key] = value
}

// finish settles the status from the collected messages.
func (r *Result) finish(failure string) Result {
	for _, m := range r.Messages {
		if m.Type == MessageError {
			r.Status = StatusFail
			r.Reason = failure
			return *r
		}
	}
	r.Status = StatusPass
	return *r
}

func skip(name, reason string) Result {
	return Result{Name: name, Status: StatusSkip, Reason: reason}
}

// Report bundles the results for a session.
type Report struct {
	SessionID   string    `json:"session_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Passed      bool      `json:"passed"`
	Results     []Result  `json:"results"`
}

// Data is the per-session key/value store verifiers read inputs from and
// write outputs to.
type Data interface {
	Put(sessionID, key, value string)
	Get(sessionID, key string) (string, bool)
	Append(sessionID, key, value string)
}

// Suite runs every verifier against one session.
type Suite struct {
	assertions  *assertion.Validator
	fhirBaseURL string
	tokenURL    string
}

// NewSuite builds a suite. Assertions are re-validated with a ledger of
// their own so the live server's jti history does not leak into grading.
func NewSuite(assertions *assertion.Validator, fhirBaseURL, tokenURL string) *Suite {
	return &Suite{assertions: assertions, fhirBaseURL: fhirBaseURL, tokenURL: tokenURL}
}

// Run grades sess using its recorded requests. Outputs of one verifier are
// stored in data before the next one reads them.
func (s *Suite) Run(ctx context.Context, sess session.Session, requests []session.Request, data Data) Report {
	results := []Result{
		VerifyRegistration(sess),
		VerifyAuthorizationRequests(requests, s.fhirBaseURL),
		VerifyBackendServicesTokenRequests(ctx, s.assertions.WithReplayCache(assertion.NewMemoryReplayCache()), sess, requests, s.tokenURL),
	}
	for _, res := range results {
		for k, v := range res.Outputs {
			if k == SMARTTokensKey {
				mergeTokens(data, sess.ID, v)
				continue
			}
			data.Put(sess.ID, k, v)
		}
	}
	tokens, _ := data.Get(sess.ID, SMARTTokensKey)
	results = append(results, VerifyTokenUse(requests, tokens))

	report := Report{SessionID: sess.ID, GeneratedAt: time.Now().UTC(), Passed: true, Results: results}
	for _, res := range results {
		if res.Status == StatusFail {
			report.Passed = false
		}
	}
	return report
}

// SMARTTokensKey names the newline separated list of issued access tokens.
const SMARTTokensKey = "smart_tokens"

func filter(requests []session.Request, tags ...session.Tag) []session.Request {
	var out []session.Request
	for _, req := range requests {
		match := true
		for _, t := range tags {
			if !req.HasTag(t) {
				match = false
				break
			}
		}
		if match {
			out = append(out, req)
		}
	}
	return out
}

// mergeTokens adds tokens missing from the stored list, leaving tokens the
// server recorded for other grants in place.
func mergeTokens(data Data, sessionID, tokens string) {
	stored, _ := data.Get(sessionID, SMARTTokensKey)
	have := strings.Fields(stored)
	for _, tok := range strings.Fields(tokens) {
		if slices.Contains(have, tok) {
			continue
		}
		data.Append(sessionID, SMARTTokensKey, tok)
		have = append(have, tok)
	}
}
