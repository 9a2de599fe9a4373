package client

import (
	"time"

	"golang.org/x/oauth2"
)

// Credentials is what a token response granted.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string
	Expiry       time.Time

	token *oauth2.Token
}

func newCredentials(tok *oauth2.Token) *Credentials {
	c := &Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		token:        tok,
	}
	c.IDToken, _ = tok.Extra("id_token").(string)
	c.Scope, _ = tok.Extra("scope").(string)
	return c
}

// Launch returns a launch context value from the token response, such as
// "patient" or "encounter".
func (c *Credentials) Launch(key string) any {
	if c.token == nil {
		return nil
	}
	return c.token.Extra(key)
}

// ApplyRefresh merges a refresh response into c. Fields absent from next
// keep their current values.
func (c *Credentials) ApplyRefresh(next *Credentials) *Credentials {
	out := *next
	if out.RefreshToken == "" {
		out.RefreshToken = c.RefreshToken
	}
	if out.IDToken == "" {
		out.IDToken = c.IDToken
	}
	if out.Scope == "" {
		out.Scope = c.Scope
	}
	return &out
}
