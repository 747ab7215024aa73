package auth

import (
	"html/template"
	"log/slog"
	"net/http"
)

const pageStyle = `
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 420px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .client { display: flex; align-items: center; gap: 0.75rem; margin-bottom: 1rem; }
  .client img { width: 40px; height: 40px; border-radius: 6px; }
  .scopes {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem 0.6rem 1.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .scopes li { margin-bottom: 0.3rem; }
  .scopes li:last-child { margin-bottom: 0; }
  .redirect { font-size: 0.8rem; color: #666; word-break: break-all; margin-bottom: 1.25rem; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
  }
  .actions { display: flex; gap: 0.75rem; }
  button {
    flex: 1;
    padding: 0.6rem;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
    transition: background 0.15s;
  }
  button.allow { background: #1a1a1a; color: #fff; border: none; }
  button.allow:hover { background: #333; }
  button.deny { background: #fff; color: #1a1a1a; border: 1px solid #d0d0d0; }
  button.deny:hover { background: #f0f0f0; }
`

// consentPage asks the signed-in user to approve the client's request.
// The csrf_token hidden field keys the pending authorization.
var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <div class="client">
    {{if .LogoURI}}<img src="{{.LogoURI}}" alt="">{{end}}
    <h1>{{.ClientName}}</h1>
  </div>
  <p class="sub">wants to access your TaskMate account. It will be able to:</p>
  <ul class="scopes">
    {{range .Scopes}}<li>{{.Description}}</li>
    {{else}}<li>Confirm that you have an account</li>
    {{end}}
  </ul>
  <p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
    <div class="actions">
      <button type="submit" name="approve" value="false" class="deny">Deny</button>
      <button type="submit" name="approve" value="true" class="allow">Allow</button>
    </div>
  </form>
</div>
</body>
</html>`))

// errorPage is rendered for authorization errors that must not be
// redirected to the client.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>` + pageStyle + `</style>
</head>
<body>
<div class="card">
  <h1>{{.Title}}</h1>
  <p class="sub">The authorization request cannot be completed.</p>
  <div class="error">{{.Message}}</div>
</div>
</body>
</html>`))

type scopeItem struct {
	Name        string
	Description string
}

type consentData struct {
	CSRFToken           string
	ClientID            string
	ClientName          string
	LogoURI             string
	RedirectURI         string
	Scope               string
	Scopes              []scopeItem
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

type errorData struct {
	Title   string
	Message string
}

func describeScopes(scope string) []scopeItem {
	var items []scopeItem

	for _, s := range uniqueFields(scope) {
		desc, ok := scopeDescriptions[s]
		if !ok {
			desc = s
		}

		items = append(items, scopeItem{Name: s, Description: desc})
	}

	return items
}

// setPageHeaders prevents framing (clickjacking) and caching of pages
// that carry a CSRF token.
func setPageHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
}

func (s *Server) renderError(w http.ResponseWriter, status int, title, message string) {
	setPageHeaders(w)
	w.WriteHeader(status)

	if err := errorPage.Execute(w, errorData{Title: title, Message: message}); err != nil {
		s.logger.Error("rendering error page", slog.String("error", err.Error()))
	}
}

func (s *Server) renderConsent(w http.ResponseWriter, data consentData) {
	setPageHeaders(w)

	if err := consentPage.Execute(w, data); err != nil {
		s.logger.Error("rendering consent page", slog.String("error", err.Error()))
	}
}
