package sso

import (
	"net/http"
	"strings"
)

// PreviewCookieRewrite strips the Domain attribute from the session Set-Cookie header on responses
// to preview origins, so the cookie binds to the preview host instead of the shared parent domain.
// The rewrite happens when headers are written, or when the handler returns without writing.
func PreviewCookieRewrite(cookieName string, previewOrigins []string) func(http.Handler) http.Handler {
	previews := make(map[string]struct{}, len(previewOrigins))
	for _, o := range previewOrigins {
		previews[NormalizeOrigin(o)] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := previews[RequestOrigin(r)]; !ok {
				next.ServeHTTP(w, r)
				return
			}
			cw := &cookieRewriter{ResponseWriter: w, name: cookieName}
			next.ServeHTTP(cw, r)
			if !cw.wroteHeader {
				cw.wroteHeader = true
				cw.rewrite()
			}
		})
	}
}

// RequestOrigin returns the Origin header, or scheme://host of the request when it is absent.
func RequestOrigin(r *http.Request) string {
	if o := r.Header.Get("Origin"); o != "" {
		return NormalizeOrigin(o)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return NormalizeOrigin(scheme + "://" + r.Host)
}

type cookieRewriter struct {
	http.ResponseWriter
	name        string
	wroteHeader bool
}

func (c *cookieRewriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.wroteHeader = true
		c.rewrite()
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *cookieRewriter) Write(b []byte) (int, error) {
	if !c.wroteHeader {
		c.WriteHeader(http.StatusOK)
	}
	return c.ResponseWriter.Write(b)
}

func (c *cookieRewriter) Unwrap() http.ResponseWriter {
	return c.ResponseWriter
}

func (c *cookieRewriter) rewrite() {
	h := c.ResponseWriter.Header()
	values := h.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.HasPrefix(v, c.name+"=") {
			v = stripDomain(v)
		}
		out = append(out, v)
	}
	h["Set-Cookie"] = out
}

func stripDomain(setCookie string) string {
	parts := strings.Split(setCookie, ";")
	kept := make([]string, 0, len(parts))
	kept = append(kept, parts[0])
	for _, p := range parts[1:] {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(p)), "domain=") {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, ";")
}
