package server

import (
	"bytes"
	"html/template"
	"net/http"
)

const layout = `{{ define "header" }}<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>{{ .Title }}</title>
	</head>
	<body>{{ end }}
{{ define "footer" }}
	</body>
</html>{{ end }}`

const indexPage = `{{ template "header" . }}
		<h1>Authorization Server</h1>
		<ul>
		{{- range .Endpoints }}
			<li><code>{{ . }}</code></li>
		{{- end }}
		</ul>
{{ template "footer" . }}`

// consentPage prompts for consent. For OpenID requests it also collects the
// user's credentials.
const consentPage = `{{ template "header" . }}
		<h1>{{ .Client.ClientID }} is requesting access</h1>
		<form action="{{ .AllowPath }}" method="POST">
			<input type="hidden" name="request_id" value="{{ .RequestID }}">
			{{- if .OpenID }}
			<p>Email: <input type="email" name="username" required size="30"></p>
			<p>Password: <input type="password" name="password" required size="30"></p>
			{{- end }}
			{{- range .Scope }}
			<p><label><input type="checkbox" name="scope" value="{{ . }}" checked> {{ . }}</label></p>
			{{- end }}
			<button type="submit" name="allow" value="true">Allow</button>
			<button type="submit" name="allow" value="false">Deny</button>
		</form>
{{ template "footer" . }}`

const errorPage = `{{ template "header" . }}
		<h1>{{ .Title }}</h1>
		<p>{{ .Message }}</p>
{{ template "footer" . }}`

var (
	indexTmpl   = template.Must(template.Must(template.New("layout").Parse(layout)).New("index").Parse(indexPage))
	consentTmpl = template.Must(template.Must(template.New("layout").Parse(layout)).New("consent").Parse(consentPage))
	errorTmpl   = template.Must(template.Must(template.New("layout").Parse(layout)).New("error").Parse(errorPage))
)

// render executes tmpl into a buffer first, so a failed render can still
// send an error status.
func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, tmpl *template.Template, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to render template", "template", tmpl.Name(), "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	s.render(w, r, status, errorTmpl, map[string]any{
		"Title":   title,
		"Message": message,
	})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, indexTmpl, map[string]any{
		"Title": "Authorization Server",
		"Endpoints": []string{
			"GET " + s.cfg.AuthorizationEndpoint,
			"POST " + s.cfg.AllowEndpoint,
			"POST " + s.cfg.AccessTokenEndpoint,
			"GET|POST " + s.cfg.UserinfoEndpoint,
			"GET " + s.cfg.JWKSEndpoint,
			"GET /.well-known/openid-configuration",
			"GET /.well-known/oauth-authorization-server",
			"POST " + ClientCreatePath,
			"POST " + UserCreatePath,
			"POST " + UserAuthenticatePath,
			"POST " + UserActivatePath,
			"GET " + s.cfg.AliveEndpoint,
		},
	})
}
