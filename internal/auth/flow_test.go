package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// --- Authorize GET ---

func TestAuthorize_MissingParametersRenderedInPage(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	for _, param := range []string{"client_id", "redirect_uri", "response_type", "scope", "state", "code_challenge", "code_challenge_method"} {
		t.Run(param, func(t *testing.T) {
			q := authorizeQuery(clientID, "tasks:read", "xyz")
			q.Del(param)

			rec := env.getAuthorize(q)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
			assert.Contains(t, rec.Body.String(), param)
		})
	}
}

func TestAuthorize_UnknownClientRenderedInPage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.getAuthorize(authorizeQuery("no-such-client", "tasks:read", "xyz"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Invalid Client")
}

func TestAuthorize_UnregisteredRedirectRenderedInPage(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("redirect_uri", "https://attacker.example.com/callback")

	rec := env.getAuthorize(q)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.NotContains(t, rec.Body.String(), "attacker.example.com")
}

// Client and redirect_uri are checked before response_type, so a bad
// response_type from an untrusted client is never redirected.
func TestAuthorize_ClientCheckedBeforeResponseType(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery("no-such-client", "tasks:read", "xyz")
	q.Set("response_type", "token")

	rec := env.getAuthorize(q)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Invalid Client")

	q = authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("response_type", "token")
	q.Set("redirect_uri", "https://attacker.example.com/callback")

	rec = env.getAuthorize(q)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorize_UnsupportedResponseTypeRedirects(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("response_type", "token")

	params := redirectParams(t, env.getAuthorize(q))
	assert.Equal(t, "unsupported_response_type", params.Get("error"))
	assert.Equal(t, "xyz", params.Get("state"))
}

func TestAuthorize_UnknownChallengeMethodRedirects(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("code_challenge_method", "S512")

	params := redirectParams(t, env.getAuthorize(q))
	assert.Equal(t, "invalid_request", params.Get("error"))
	assert.Equal(t, "xyz", params.Get("state"))
}

func TestAuthorize_ScopeOutsideRegistrationRedirects(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{Scope: "tasks:read"})

	params := redirectParams(t, env.getAuthorize(authorizeQuery(clientID, "tasks:read tasks:write", "xyz")))
	assert.Equal(t, "invalid_scope", params.Get("error"))
	assert.Equal(t, "xyz", params.Get("state"))
	assert.Equal(t, 0, env.pending.Len())
}

func TestAuthorize_NoSessionRedirectsToLogin(t *testing.T) {
	env := newTestEnv(t)
	env.user = ""
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	rec := env.getAuthorize(q)

	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/api/auth/login", loc.Path)

	returnTo, err := url.Parse(loc.Query().Get("return_to"))
	require.NoError(t, err)
	assert.Equal(t, testIssuerURL+PathAuthorize, returnTo.Scheme+"://"+returnTo.Host+returnTo.Path)
	assert.Equal(t, clientID, returnTo.Query().Get("client_id"))
	assert.Equal(t, "xyz", returnTo.Query().Get("state"))

	assert.Equal(t, 0, env.pending.Len(), "no pending authorization before login")
}

func TestAuthorize_RendersConsent(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{
		ClientName: "Task Assistant",
		LogoURI:    "https://client.example.com/logo.png",
	})

	rec := env.getAuthorize(authorizeQuery(clientID, "tasks:read tasks:write", "xyz"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	body := rec.Body.String()
	assert.Contains(t, body, "Task Assistant")
	assert.Contains(t, body, "wants to access your TaskMate account")
	assert.Contains(t, body, "View your tasks")
	assert.Contains(t, body, "Create and modify your tasks")
	assert.Contains(t, body, "https://client.example.com/logo.png")
	assert.Regexp(t, csrfPattern, body)

	assert.Equal(t, 1, env.pending.Len())
}

func TestAuthorize_ClientNameEscaped(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{ClientName: `<script>alert("x")</script>`})

	rec := env.getAuthorize(authorizeQuery(clientID, "tasks:read", "xyz"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>alert")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;")
}

func TestAuthorize_WrongMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPut, PathAuthorize, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Authorize POST ---

func TestAuthorize_ApproveIssuesCode(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "state with spaces&x=1")
	csrfToken := env.getCSRFToken(t, q)

	params := redirectParams(t, env.postForm(PathAuthorize, consentForm(q, csrfToken, true)))
	assert.Len(t, params.Get("code"), 2*authCodeBytes)
	assert.Equal(t, "state with spaces&x=1", params.Get("state"))
	assert.Equal(t, testIssuerURL, params.Get("iss"))
	assert.Empty(t, params.Get("error"))
	assert.Equal(t, 0, env.pending.Len())
}

func TestAuthorize_RedirectKeepsRegisteredQuery(t *testing.T) {
	env := newTestEnv(t)
	redirect := "https://client.example.com/callback?tenant=7"
	clientID, _ := env.registerClient(t, ClientMetadata{RedirectURIs: []string{redirect}})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("redirect_uri", redirect)
	csrfToken := env.getCSRFToken(t, q)

	rec := env.postForm(PathAuthorize, consentForm(q, csrfToken, true))
	require.Equal(t, http.StatusSeeOther, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "7", loc.Query().Get("tenant"))
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestAuthorize_Deny(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	csrfToken := env.getCSRFToken(t, q)

	params := redirectParams(t, env.postForm(PathAuthorize, consentForm(q, csrfToken, false)))
	assert.Equal(t, "access_denied", params.Get("error"))
	assert.Equal(t, "User denied authorization", params.Get("error_description"))
	assert.Equal(t, "xyz", params.Get("state"))
	assert.Empty(t, params.Get("code"))
}

func TestAuthorize_CSRFTokenSingleUse(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	csrfToken := env.getCSRFToken(t, q)
	form := consentForm(q, csrfToken, true)

	first := redirectParams(t, env.postForm(PathAuthorize, form))
	require.NotEmpty(t, first.Get("code"))

	second := redirectParams(t, env.postForm(PathAuthorize, form))
	assert.Equal(t, "access_denied", second.Get("error"))
	assert.Empty(t, second.Get("code"))
}

func TestAuthorize_UnknownCSRFWithUntrustedRedirectRenderedInPage(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	q.Set("redirect_uri", "https://attacker.example.com/callback")

	rec := env.postForm(PathAuthorize, consentForm(q, "deadbeef", true))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestAuthorize_MissingCSRFToken(t *testing.T) {
	env := newTestEnv(t)
	clientID, _ := env.registerClient(t, ClientMetadata{})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	params := redirectParams(t, env.postForm(PathAuthorize, consentForm(q, "", true)))

	assert.Equal(t, "access_denied", params.Get("error"))
}

func TestAuthorize_TamperedFormRedirectsToStoredURI(t *testing.T) {
	env := newTestEnv(t)
	other := "https://client.example.com/other"
	clientID, _ := env.registerClient(t, ClientMetadata{RedirectURIs: []string{testRedirectURI, other}})

	q := authorizeQuery(clientID, "tasks:read", "xyz")
	csrfToken := env.getCSRFToken(t, q)

	form := consentForm(q, csrfToken, true)
	form.Set("scope", "tasks:read tasks:write")
	form.Set("redirect_uri", other)

	// The error goes to the redirect_uri stored with the pending
	// authorization, not the submitted one.
	params := redirectParams(t, env.postForm(PathAuthorize, form))
	assert.Equal(t, "access_denied", params.Get("error"))
	assert.Equal(t, "xyz", params.Get("state"))
	assert.Empty(t, params.Get("code"))

	// The pending authorization was consumed by the failed attempt.
	params = redirectParams(t, env.postForm(PathAuthorize, consentForm(q, csrfToken, true)))
	assert.Equal(t, "access_denied", params.Get("error"))
}

// --- Token: authorization_code ---

func TestToken_AuthorizationCode(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read tasks:write")

	rec := env.postForm(PathToken, codeExchangeForm(clientID, secret, code))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	res := gjson.Parse(rec.Body.String())
	assert.Equal(t, "Bearer", res.Get("token_type").String())
	assert.Equal(t, int64(3600), res.Get("expires_in").Int())
	assert.Equal(t, "tasks:read tasks:write", res.Get("scope").String())
	assert.Len(t, res.Get("refresh_token").String(), 2*refreshTokenBytes)

	claims, err := env.verifier.Verify(context.Background(), res.Get("access_token").String())
	require.NoError(t, err)
	assert.Equal(t, testUserID, claims.Subject)
	assert.Equal(t, clientID, claims.ClientID)
	assert.Equal(t, "tasks:read tasks:write", claims.Scope)
	assert.Equal(t, testIssuerURL, claims.Issuer)
	assert.Contains(t, []string(claims.Audience), testAudience)
}

func TestToken_CodeSingleUse(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")

	form := codeExchangeForm(clientID, secret, code)
	require.Equal(t, http.StatusOK, env.postForm(PathToken, form).Code)

	rec := env.postForm(PathToken, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, detailInvalidCode, gjson.Get(rec.Body.String(), "detail").String())
}

func TestToken_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")
	form := codeExchangeForm(clientID, secret, code)

	const attempts = 8

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes []int
	)

	for range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			rec := env.postForm(PathToken, form)

			mu.Lock()
			codes = append(codes, rec.Code)
			mu.Unlock()
		}()
	}

	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusBadRequest, c)
		}
	}

	assert.Equal(t, 1, ok)
}

func TestToken_WrongVerifier(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")

	form := codeExchangeForm(clientID, secret, code)
	form.Set("code_verifier", strings.Repeat("a", 43))

	rec := env.postForm(PathToken, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, detailPKCEFailed, gjson.Get(rec.Body.String(), "detail").String())

	// A failed verifier still burns the code.
	rec = env.postForm(PathToken, codeExchangeForm(clientID, secret, code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestToken_RedirectURIMustMatchExactly(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")

	form := codeExchangeForm(clientID, secret, code)
	form.Set("redirect_uri", testRedirectURI+"/")

	rec := env.postForm(PathToken, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
}

func TestToken_CodeBoundToClient(t *testing.T) {
	env := newTestEnv(t)
	clientA, _ := env.registerClient(t, ClientMetadata{})
	clientB, secretB := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientA, "tasks:read")

	rec := env.postForm(PathToken, codeExchangeForm(clientB, secretB, code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
}

func TestToken_MissingParameters(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	for _, param := range []string{"grant_type", "code", "redirect_uri", "code_verifier"} {
		t.Run(param, func(t *testing.T) {
			form := codeExchangeForm(clientID, secret, "some-code")
			form.Del(param)

			rec := env.postForm(PathToken, form)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_request", gjson.Get(rec.Body.String(), "error").String())
			assert.Contains(t, gjson.Get(rec.Body.String(), "error_description").String(), param)
		})
	}
}

func TestToken_UnsupportedGrantType(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	rec := env.postForm(PathToken, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {secret},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_grant_type", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, "Unsupported grant type: client_credentials", gjson.Get(rec.Body.String(), "detail").String())
}

func TestToken_ClientAuthentication(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	tests := []struct {
		name  string
		id    string
		secrt string
	}{
		{"wrong secret", clientID, secret + "x"},
		{"unknown client", "unknown", secret},
		{"no credentials", "", ""},
		{"no secret", clientID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.postForm(PathToken, url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"anything"},
				"client_id":     {tt.id},
				"client_secret": {tt.secrt},
			})

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, wwwAuthenticateBasic, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, "invalid_client", gjson.Get(rec.Body.String(), "error").String())
			assert.Equal(t, detailClientAuthFailed, gjson.Get(rec.Body.String(), "detail").String())
		})
	}
}

func TestToken_BasicAuth(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")

	form := codeExchangeForm(clientID, secret, code)
	form.Del("client_id")
	form.Del("client_secret")

	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)

	rec := env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestToken_BasicAuthConflictingBodyClient(t *testing.T) {
	env := newTestEnv(t)
	clientA, secretA := env.registerClient(t, ClientMetadata{})
	clientB, _ := env.registerClient(t, ClientMetadata{})

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"anything"},
		"client_id":     {clientB},
	}

	req := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientA, secretA)

	rec := env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestToken_JSONBody(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	code := env.authorizationCode(t, clientID, "tasks:read")

	body := `{"grant_type":"authorization_code","code":"` + code + `","redirect_uri":"` + testRedirectURI +
		`","code_verifier":"` + testVerifier + `","client_id":"` + clientID + `","client_secret":"` + secret + `"}`

	rec := env.postJSON(PathToken, body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, gjson.Get(rec.Body.String(), "access_token").String())
}

func TestToken_MalformedJSONBody(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postJSON(PathToken, `{"grant_type":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", gjson.Get(rec.Body.String(), "error").String())
}

func TestToken_ClientWithoutRefreshGrant(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{GrantTypes: []string{GrantAuthorizationCode}})
	code := env.authorizationCode(t, clientID, "tasks:read")

	rec := env.postForm(PathToken, codeExchangeForm(clientID, secret, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, gjson.Get(rec.Body.String(), "refresh_token").Exists())

	rec = env.postForm(PathToken, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {"anything"},
		"client_id":     {clientID},
		"client_secret": {secret},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unauthorized_client", gjson.Get(rec.Body.String(), "error").String())
}

func TestToken_WrongMethod(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, PathToken, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Token: refresh_token ---

// issueTokens runs the full flow and returns the token response.
func (env *testEnv) issueTokens(t *testing.T, clientID, secret, scope string) gjson.Result {
	t.Helper()

	code := env.authorizationCode(t, clientID, scope)
	rec := env.postForm(PathToken, codeExchangeForm(clientID, secret, code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	return gjson.Parse(rec.Body.String())
}

func refreshForm(clientID, secret, refreshToken string) url.Values {
	return url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {clientID},
		"client_secret": {secret},
	}
}

func TestToken_RefreshWithoutRotation(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	refreshToken := env.issueTokens(t, clientID, secret, "tasks:read").Get("refresh_token").String()

	for range 2 {
		rec := env.postForm(PathToken, refreshForm(clientID, secret, refreshToken))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		res := gjson.Parse(rec.Body.String())
		assert.Equal(t, refreshToken, res.Get("refresh_token").String())
		assert.Equal(t, "tasks:read", res.Get("scope").String())
		assert.Equal(t, int64(3600), res.Get("expires_in").Int())

		claims, err := env.verifier.Verify(context.Background(), res.Get("access_token").String())
		require.NoError(t, err)
		assert.Equal(t, testUserID, claims.Subject)
	}
}

func TestToken_RefreshBoundToClient(t *testing.T) {
	env := newTestEnv(t)
	clientA, secretA := env.registerClient(t, ClientMetadata{})
	clientB, secretB := env.registerClient(t, ClientMetadata{})
	refreshToken := env.issueTokens(t, clientA, secretA, "tasks:read").Get("refresh_token").String()

	rec := env.postForm(PathToken, refreshForm(clientB, secretB, refreshToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
	assert.Equal(t, detailInvalidRefreshToken, gjson.Get(rec.Body.String(), "detail").String())
}

func TestToken_UnknownRefreshToken(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	rec := env.postForm(PathToken, refreshForm(clientID, secret, "not-a-token"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())
}

// --- Revoke ---

func revokeForm(clientID, secret, tok string) url.Values {
	return url.Values{
		"token":         {tok},
		"client_id":     {clientID},
		"client_secret": {secret},
	}
}

func TestRevoke_RefreshTokenStopsWorking(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})
	refreshToken := env.issueTokens(t, clientID, secret, "tasks:read").Get("refresh_token").String()

	rec := env.postForm(PathRevoke, revokeForm(clientID, secret, refreshToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.postForm(PathToken, refreshForm(clientID, secret, refreshToken))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", gjson.Get(rec.Body.String(), "error").String())

	// Revoking again is not an error.
	rec = env.postForm(PathRevoke, revokeForm(clientID, secret, refreshToken))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevoke_UnknownToken(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	rec := env.postForm(PathRevoke, revokeForm(clientID, secret, "unknown"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevoke_OtherClientsTokenUntouched(t *testing.T) {
	env := newTestEnv(t)
	clientA, secretA := env.registerClient(t, ClientMetadata{})
	clientB, secretB := env.registerClient(t, ClientMetadata{})
	refreshToken := env.issueTokens(t, clientA, secretA, "tasks:read").Get("refresh_token").String()

	rec := env.postForm(PathRevoke, revokeForm(clientB, secretB, refreshToken))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.postForm(PathToken, refreshForm(clientA, secretA, refreshToken))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRevoke_RequiresClientAuthentication(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	rec := env.postForm(PathRevoke, revokeForm(clientID, secret+"x", "anything"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, wwwAuthenticateBasic, rec.Header().Get("WWW-Authenticate"))
}

func TestRevoke_MissingToken(t *testing.T) {
	env := newTestEnv(t)
	clientID, secret := env.registerClient(t, ClientMetadata{})

	rec := env.postForm(PathRevoke, revokeForm(clientID, secret, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", gjson.Get(rec.Body.String(), "error").String())
}
