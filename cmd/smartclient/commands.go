package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"smartmock/client"
)

var (
	redirectURL string
	jwksFile    string
	signingAlg  string
	signingKid  string
	jku         string
	accessToken string
	adminURL    string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Print the server's SMART configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := client.Discover(cmd.Context(), baseConfig())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d.Configuration())
	},
}

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Run a standalone launch: authorize, then exchange the code",
	Long: `Prints the authorization URL, then reads the URL the browser was
redirected to from stdin and exchanges its code for tokens.`,
	RunE: runLaunch,
}

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Obtain a token with the client_credentials grant and a signed assertion",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := baseConfig()
		d, err := client.Discover(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		signer, err := loadSigner(d.Configuration().TokenEndpoint)
		if err != nil {
			return err
		}
		cfg.Signer = signer
		if d, err = client.Discover(cmd.Context(), cfg); err != nil {
			return err
		}
		creds, err := d.BackendToken(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), creds)
	},
}

var readCmd = &cobra.Command{
	Use:   "read <type/id>",
	Short: "Read a FHIR resource with a bearer token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if accessToken == "" {
			return errors.New("--token is required")
		}
		d, err := client.Discover(cmd.Context(), baseConfig())
		if err != nil {
			return err
		}
		status, body, err := d.Read(cmd.Context(), &client.Credentials{AccessToken: accessToken}, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "HTTP %d\n", status)
		_, err = cmd.OutOrStdout().Write(body)
		return err
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Fetch the conformance report for a test session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := strings.TrimSuffix(adminURL, "/") + "/sessions/" + url.PathEscape(args[0]) + "/report"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("report: %s", resp.Status)
		}
		_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
		return err
	},
}

func init() {
	launchCmd.Flags().StringVar(&redirectURL, "redirect-url", "http://localhost:4000/callback", "Registered redirect URI")
	backendCmd.Flags().StringVar(&jwksFile, "jwks-file", "", "Private JWKS used to sign client assertions")
	backendCmd.Flags().StringVar(&signingAlg, "alg", "RS384", "Assertion signing algorithm")
	backendCmd.Flags().StringVar(&signingKid, "kid", "", "Key id to sign with (default: first matching key)")
	backendCmd.Flags().StringVar(&jku, "jku", "", "JWKS URL to advertise in the assertion header")
	_ = backendCmd.MarkFlagRequired("jwks-file")
	readCmd.Flags().StringVar(&accessToken, "token", "", "Bearer access token")
	reportCmd.Flags().StringVar(&adminURL, "admin-url", "http://127.0.0.1:8080", "Mock server base URL")

	rootCmd.AddCommand(discoverCmd, launchCmd, backendCmd, readCmd, reportCmd)
}

func runLaunch(cmd *cobra.Command, _ []string) error {
	cfg := baseConfig()
	cfg.RedirectURL = redirectURL
	d, err := client.Discover(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	authReq := d.AuthCodeURL()
	fmt.Fprintln(cmd.ErrOrStderr(), "Open this URL, then paste the URL you were redirected to:")
	fmt.Fprintln(cmd.OutOrStdout(), authReq.URL)

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	code, err := parseCallback(strings.TrimSpace(line), authReq.State)
	if err != nil {
		return err
	}

	creds, err := d.Exchange(cmd.Context(), code, authReq)
	if err != nil {
		return err
	}
	if creds.IDToken != "" {
		claims, err := d.VerifyIDToken(cmd.Context(), creds.IDToken, authReq.Nonce)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "fhirUser: %s\n", claims.FHIRUser)
	}
	return printJSON(cmd.OutOrStdout(), creds)
}

// parseCallback extracts the code from a redirect URL and checks its state.
func parseCallback(raw, wantState string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback: %w", err)
	}
	q := u.Query()
	if e := q.Get("error"); e != "" {
		return "", fmt.Errorf("authorization failed: %s: %s", e, q.Get("error_description"))
	}
	if q.Get("state") != wantState {
		return "", errors.New("state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("callback has no code")
	}
	return code, nil
}

func loadSigner(tokenURL string) (*client.AssertionSigner, error) {
	raw, err := os.ReadFile(jwksFile)
	if err != nil {
		return nil, fmt.Errorf("read jwks: %w", err)
	}
	var opts []client.SignerOption
	if jku != "" {
		opts = append(opts, client.WithJKU(jku))
	}
	return client.NewAssertionSigner(clientID, tokenURL, raw, signingAlg, signingKid, opts...)
}
