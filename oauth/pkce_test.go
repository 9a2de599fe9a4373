package oauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	// RFC 7636 appendix B.
	const rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	cases := []struct {
		name      string
		challenge string
		verifier  string
		method    string
		wantErr   error
	}{
		{name: "s256 ok", challenge: rfcChallenge, verifier: verifier, method: MethodS256},
		{name: "s256 computed", challenge: S256Challenge("abc"), verifier: "abc", method: MethodS256},
		{name: "s256 mismatch", challenge: rfcChallenge, verifier: verifier + "x", method: MethodS256, wantErr: ErrChallengeMismatch},
		{name: "plain ok", challenge: "abc", verifier: "abc", method: MethodPlain},
		{name: "plain mismatch", challenge: "abc", verifier: "abd", method: MethodPlain, wantErr: ErrChallengeMismatch},
		{name: "default method is plain", challenge: "abc", verifier: "abc", method: ""},
		{name: "missing verifier", challenge: rfcChallenge, verifier: "", method: MethodS256, wantErr: ErrVerifierMissing},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := VerifyPKCE(tc.challenge, tc.verifier, tc.method)
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestVerifyPKCEUnknownMethod(t *testing.T) {
	t.Parallel()
	require.Error(t, VerifyPKCE("abc", "abc", "S512"))
}

func TestS256ChallengeMatchesRFC(t *testing.T) {
	t.Parallel()
	require.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", S256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"))
}
