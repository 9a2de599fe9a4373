package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Bundle is the subset of a FHIR Bundle the mock server reads.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
}

// ParseBundle decodes a Bundle and rejects any other resource type.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, errors.New("resource is not a Bundle")
	}
	return &b, nil
}

// Find returns the entry resource with the given type and id.
func (b *Bundle) Find(resourceType, id string) (json.RawMessage, bool) {
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var hdr resourceHeader
		if err := json.Unmarshal(e.Resource, &hdr); err != nil {
			continue
		}
		if hdr.ResourceType == resourceType && hdr.ID == id {
			return e.Resource, true
		}
	}
	return nil, false
}

// ParseReadPath splits a FHIR read path such as "Patient/123" into type and
// id. Searches and nested paths are not reads and return false.
func ParseReadPath(path string) (resourceType, id string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
