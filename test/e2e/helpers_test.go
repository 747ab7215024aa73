package e2e_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/alexjbarnes/taskauth/internal/auth"
	"github.com/alexjbarnes/taskauth/internal/cache"
	"github.com/alexjbarnes/taskauth/internal/keys"
	"github.com/alexjbarnes/taskauth/internal/mcpserver"
	"github.com/alexjbarnes/taskauth/internal/metrics"
	"github.com/alexjbarnes/taskauth/internal/server"
	"github.com/alexjbarnes/taskauth/internal/storage"
	"github.com/alexjbarnes/taskauth/internal/token"
)

const (
	testUserID    = "user-e2e"
	testAudience  = "taskmate-api"
	sessionCookie = "session"
	sessionSecret = "e2e-session-secret-that-is-long-enough"
	redirectURI   = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e test stack: a real HTTP server backed by
// the authorization server, the key manager and the MCP endpoint.
type harness struct {
	URL   string
	Keys  *keys.Manager
	Store *storage.Store

	// Browser carries the first-party session cookie and never follows
	// redirects, so the test can inspect each hop.
	Browser *http.Client

	// HTTP is a plain client for back-channel calls.
	HTTP *http.Client
}

// newHarness wires the full stack via server.NewMux and starts an
// httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	logger := slog.New(slog.DiscardHandler)

	store, err := storage.Open(ctx, storage.DriverSQLite, filepath.Join(t.TempDir(), "taskauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	km := keys.NewManager(keys.NewFileBackend(filepath.Join(t.TempDir(), "keys")), keys.ManagerConfig{
		Bits:      1024,
		Retention: time.Hour,
	})
	require.NoError(t, km.Ensure(ctx))

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux (the issuer URL must match for token validation).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	m := metrics.New()
	verifier := token.NewVerifier(km, serverURL, testAudience)

	authServer := auth.NewServer(auth.Options{
		IssuerURL:       serverURL,
		LoginURL:        "/api/auth/login",
		AuthCodeTTL:     10 * time.Minute,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		PendingAuthTTL:  10 * time.Minute,
	}, auth.Deps{
		Registry:      auth.NewRegistry(store, bcrypt.MinCost, logger),
		Codes:         store,
		RefreshTokens: store,
		Pending:       cache.NewMemory(),
		Sessions:      auth.NewCookieSession(sessionCookie, sessionSecret, logger),
		Issuer:        token.NewIssuer(km, serverURL, testAudience),
		Metrics:       m,
		Logger:        logger,
	})

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Auth:      authServer,
		Keys:      km,
		Verifier:  verifier,
		IssuerURL: serverURL,
		MCPHandler: mcpserver.NewHandler(mcpserver.HandlerConfig{
			Verifier:            verifier,
			Logger:              logger,
			Version:             "test",
			ResourceMetadataURL: serverURL + auth.PathProtectedResource,
			Scopes:              []string{auth.ScopeTasksRead},
		}),
		Metrics: m.Handler(),
		Logger:  logger,
		Health:  map[string]server.Pinger{"database": store},
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:     serverURL,
		Keys:    km,
		Store:   store,
		Browser: newBrowser(t, serverURL, testUserID),
		HTTP:    ts.Client(),
	}
}

// newBrowser returns a client holding a signed session cookie for
// userID. An empty userID yields a client with no session.
func newBrowser(t *testing.T, serverURL, userID string) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	if userID != "" {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte(sessionSecret))
		require.NoError(t, err)

		u, err := url.Parse(serverURL)
		require.NoError(t, err)
		jar.SetCookies(u, []*http.Cookie{{Name: sessionCookie, Value: raw, Path: "/"}})
	}

	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// registeredClient is the result of dynamic client registration.
type registeredClient struct {
	ID     string
	Secret string
}

// register performs dynamic client registration over HTTP.
func (h *harness) register(t *testing.T, body map[string]any) registeredClient {
	t.Helper()

	if _, ok := body["client_name"]; !ok {
		body["client_name"] = "E2E Client"
	}

	if _, ok := body["redirect_uris"]; !ok {
		body["redirect_uris"] = []string{redirectURI}
	}

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := h.HTTP.Post(h.URL+auth.PathRegister, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	return registeredClient{
		ID:     gjson.GetBytes(raw, "client_id").String(),
		Secret: gjson.GetBytes(raw, "client_secret").String(),
	}
}

// oauthConfig builds an x/oauth2 client configuration for c.
func (h *harness) oauthConfig(c registeredClient, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ID,
		ClientSecret: c.Secret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   h.URL + auth.PathAuthorize,
			TokenURL:  h.URL + auth.PathToken,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// ctx returns a context that makes x/oauth2 use the harness client.
func (h *harness) ctx() context.Context {
	return context.WithValue(context.Background(), oauth2.HTTPClient, h.HTTP)
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)

// consent loads the authorization URL in the browser, submits the
// consent form with the given decision and returns the redirect target.
func (h *harness) consent(t *testing.T, browser *http.Client, authURL string, approve bool) *url.URL {
	t.Helper()

	resp, err := browser.Get(authURL)
	require.NoError(t, err)

	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(page))

	m := csrfPattern.FindSubmatch(page)
	require.Len(t, m, 2, "CSRF token not found in consent page")

	q, err := url.Parse(authURL)
	require.NoError(t, err)

	form := url.Values{"csrf_token": {string(m[1])}, "approve": {"false"}}
	for _, k := range []string{"client_id", "redirect_uri", "scope", "state", "code_challenge", "code_challenge_method"} {
		form.Set(k, q.Query().Get(k))
	}

	if approve {
		form.Set("approve", "true")
	}

	resp, err = browser.PostForm(h.URL+auth.PathAuthorize, form)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	return loc
}

// authorize runs the browser leg of the code flow and returns the code.
func (h *harness) authorize(t *testing.T, conf *oauth2.Config, verifier string) string {
	t.Helper()

	state := rand.Text()
	loc := h.consent(t, h.Browser, conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), true)

	require.Equal(t, state, loc.Query().Get("state"))
	require.Equal(t, h.URL, loc.Query().Get("iss"))
	require.NotEmpty(t, loc.Query().Get("code"), loc.String())

	return loc.Query().Get("code")
}

// login runs the full authorization code flow and exchanges the code.
func (h *harness) login(t *testing.T, conf *oauth2.Config) *oauth2.Token {
	t.Helper()

	verifier := oauth2.GenerateVerifier()
	code := h.authorize(t, conf, verifier)

	tok, err := conf.Exchange(h.ctx(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	return tok
}

// verifyWithJWKS checks the token signature against the published key
// set, as an independent resource server would, and returns the claims.
func (h *harness) verifyWithJWKS(t *testing.T, raw string) gjson.Result {
	t.Helper()

	ctx := oidc.ClientContext(context.Background(), h.HTTP)
	keySet := oidc.NewRemoteKeySet(ctx, h.URL+auth.PathJWKS)

	payload, err := keySet.VerifySignature(ctx, raw)
	require.NoError(t, err)

	return gjson.ParseBytes(payload)
}

// bearerTransport adds an Authorization header to every request.
type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)

	return http.DefaultTransport.RoundTrip(r)
}

// mcpSession connects an MCP client to /mcp with the given access token.
func (h *harness) mcpSession(t *testing.T, accessToken string) *mcp.ClientSession {
	t.Helper()

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)

	session, err := client.Connect(t.Context(), &mcp.StreamableClientTransport{
		Endpoint:   h.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: accessToken}},
		MaxRetries: -1,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// extractTextContent returns the first text content from a tool result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// postForm posts a form with HTTP Basic client credentials.
func (h *harness) postForm(t *testing.T, path string, c registeredClient, form url.Values) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, h.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.ID, c.Secret)

	resp, err := h.HTTP.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}
