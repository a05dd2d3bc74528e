package domain

import "time"

// Session is an HTTP session stored in the shared cache under <prefix><ID>.
type Session struct {
	ID   string `json:"-"`
	Data Data   `json:"-"`
}

// Data is the cached session value.
type Data struct {
	// User is the authenticated user's ID; empty for an anonymous session.
	User   string `json:"user,omitempty"`
	Cookie Cookie `json:"cookie"`
}

// Cookie records the attributes the session cookie was issued with.
type Cookie struct {
	// OriginalMaxAge is the cookie max-age in milliseconds.
	OriginalMaxAge int64     `json:"originalMaxAge"`
	Expires        time.Time `json:"expires"`
	HTTPOnly       bool      `json:"httpOnly"`
	Secure         bool      `json:"secure"`
	SameSite       string    `json:"sameSite"`
	Path           string    `json:"path"`
	Domain         string    `json:"domain,omitempty"`
}

// CookieOptions configures the session cookie.
type CookieOptions struct {
	Name   string
	Domain string
	Secure bool
	MaxAge time.Duration
}

// SameSite is "none" for secure cookies and "lax" otherwise.
func (o CookieOptions) SameSite() string {
	if o.Secure {
		return "none"
	}
	return "lax"
}

// Meta returns the cookie attributes for a session issued at now.
func (o CookieOptions) Meta(now time.Time) Cookie {
	return Cookie{
		OriginalMaxAge: o.MaxAge.Milliseconds(),
		Expires:        now.Add(o.MaxAge).UTC(),
		HTTPOnly:       true,
		Secure:         o.Secure,
		SameSite:       o.SameSite(),
		Path:           "/",
		Domain:         o.Domain,
	}
}

// Authenticated reports whether the session carries a user.
func (s *Session) Authenticated() bool {
	return s != nil && s.Data.User != ""
}
