package server

import "encoding/json"

// TokenResponse is the body returned from the token endpoint. Launch
// context entries are flattened next to the standard fields.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	RefreshToken string
	IDToken      string
	Context      map[string]any
}

// MarshalJSON renders the response. Standard fields win over launch
// context entries with the same name.
func (t TokenResponse) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(t.Context)+6)
	for k, v := range t.Context {
		out[k] = v
	}
	out["access_token"] = t.AccessToken
	out["token_type"] = t.TokenType
	out["expires_in"] = t.ExpiresIn
	if t.Scope != "" {
		out["scope"] = t.Scope
	}
	if t.RefreshToken != "" {
		out["refresh_token"] = t.RefreshToken
	}
	if t.IDToken != "" {
		out["id_token"] = t.IDToken
	}
	return json.Marshal(out)
}

// mergeContext layers launch context maps, later entries winning.
func mergeContext(layers ...map[string]any) map[string]any {
	var out map[string]any
	for _, layer := range layers {
		for k, v := range layer {
			if out == nil {
				out = make(map[string]any)
			}
			out[k] = v
		}
	}
	return out
}
