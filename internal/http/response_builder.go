package http

import (
	"encoding/json"
	"net/http"

	"kharcha/internal/auth"
)

// JSONResponseBuilder assembles a JSON reply: status, headers, renewed
// token cookies and the body.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	body       any
	tokens     *auth.Tokens
	secure     bool
}

// NewJSONResponse starts a 200 response with an empty object body.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
		body:       struct{}{},
	}
}

func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

func (b *JSONResponseBuilder) Body(v any) *JSONResponseBuilder {
	b.body = v
	return b
}

// Error sets the body to {"error": message}.
func (b *JSONResponseBuilder) Error(message string) *JSONResponseBuilder {
	b.body = map[string]string{"error": message}
	return b
}

// Session stores the tokens of sess as cookies when they differ from
// before, which happens after a renewal.
func (b *JSONResponseBuilder) Session(before, after auth.Session, secure bool) *JSONResponseBuilder {
	if after.AccessToken != "" && after.AccessToken != before.AccessToken {
		b.tokens = &auth.Tokens{AccessToken: after.AccessToken, RefreshToken: after.RefreshToken}
		b.secure = secure
	}
	return b
}

func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.tokens != nil {
		auth.SetCookies(w, *b.tokens, b.secure)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(b.statusCode)
	_ = json.NewEncoder(w).Encode(b.body)
}
