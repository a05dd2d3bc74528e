// Package email renders and sends the Trade Machine notification emails.
package email

import (
	"bytes"
	"embed"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
	"time"

	"github.com/samber/oops"

	jobdomain "trade-machine/backend/internal/jobs/domain"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var subjects = map[jobdomain.Kind]string{
	jobdomain.KindResetPassword:  "Reset your Trade Machine password",
	jobdomain.KindRegistration:   "Welcome to the Trade Machine",
	jobdomain.KindTestEmail:      "Trade Machine test email",
	jobdomain.KindTradeRequest:   "You have a new trade request",
	jobdomain.KindTradeDeclined:  "Your trade was declined",
	jobdomain.KindTradeAccepted:  "Your trade was accepted",
	jobdomain.KindTradeSubmitted: "Your trade was submitted",
}

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Vars are the values available to every template.
type Vars struct {
	Name          string
	Link          string
	Counterparty  string
	DeclineReason string
	ResetWindow   string
}

// Templates renders the email for a job kind.
type Templates struct {
	html    *htmltpl.Template
	text    *texttpl.Template
	baseURL string
}

// LoadTemplates parses the embedded templates. baseURL prefixes every link.
func LoadTemplates(baseURL string) (*Templates, error) {
	h, err := htmltpl.ParseFS(templateFS, "templates/email.html.tmpl")
	if err != nil {
		return nil, oops.With("operation", "parse html templates").Wrap(err)
	}
	t, err := texttpl.ParseFS(templateFS, "templates/email.txt.tmpl")
	if err != nil {
		return nil, oops.With("operation", "parse text templates").Wrap(err)
	}
	return &Templates{html: h, text: t, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Link returns an absolute link into the web client.
func (t *Templates) Link(path string) string {
	return t.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Render fills the kind's templates. Webhook jobs have no email and return an error.
func (t *Templates) Render(kind jobdomain.Kind, to string, vars Vars) (Message, error) {
	subject, ok := subjects[kind]
	if !ok {
		return Message{}, oops.With("kind", kind).Errorf("no email template for job kind")
	}
	var hb, tb bytes.Buffer
	if err := t.html.ExecuteTemplate(&hb, string(kind), vars); err != nil {
		return Message{}, oops.With("operation", "render html").With("kind", kind).Wrap(err)
	}
	if err := t.text.ExecuteTemplate(&tb, string(kind), vars); err != nil {
		return Message{}, oops.With("operation", "render text").With("kind", kind).Wrap(err)
	}
	return Message{To: to, Subject: subject, HTML: strings.TrimSpace(hb.String()), Text: strings.TrimSpace(tb.String())}, nil
}

// UserVars builds the vars of an account email.
func (t *Templates) UserVars(kind jobdomain.Kind, p jobdomain.UserEmail, resetWindow time.Duration) Vars {
	v := Vars{Name: p.Name}
	if v.Name == "" {
		v.Name = p.Email
	}
	switch kind {
	case jobdomain.KindResetPassword:
		v.Link = t.Link("reset_password?token=" + p.ResetToken)
		v.ResetWindow = resetWindow.String()
	default:
		v.Link = t.Link("/")
	}
	return v
}

// TradeVars builds the vars of a trade lifecycle email.
func (t *Templates) TradeVars(p jobdomain.TradeEmail) Vars {
	return Vars{
		Counterparty:  p.Counterparty,
		DeclineReason: p.DeclineReason,
		Link:          t.Link("trades/" + p.TradeID),
	}
}
