package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobdomain "trade-machine/backend/internal/jobs/domain"
)

func TestTemplates_RenderEveryEmailKind(t *testing.T) {
	tpl, err := LoadTemplates("https://trades.fflmanager.com/")
	require.NoError(t, err)

	for _, kind := range jobdomain.Kinds {
		if !kind.IsEmail() {
			continue
		}
		t.Run(string(kind), func(t *testing.T) {
			msg, err := tpl.Render(kind, "owner@gmail.com", Vars{Name: "Owner", Counterparty: "Rival", Link: tpl.Link("x")})
			require.NoError(t, err)
			assert.Equal(t, "owner@gmail.com", msg.To)
			assert.NotEmpty(t, msg.Subject)
			assert.Contains(t, msg.HTML, "https://trades.fflmanager.com/x")
			assert.Contains(t, msg.Text, "https://trades.fflmanager.com/x")
		})
	}
}

func TestTemplates_RenderWebhookKindFails(t *testing.T) {
	tpl, err := LoadTemplates("http://localhost:3030")
	require.NoError(t, err)
	_, err = tpl.Render(jobdomain.KindEmailWebhook, "", Vars{})
	require.Error(t, err)
}

func TestTemplates_ResetVars(t *testing.T) {
	tpl, err := LoadTemplates("http://localhost:3030")
	require.NoError(t, err)

	v := tpl.UserVars(jobdomain.KindResetPassword, jobdomain.UserEmail{Email: "a@b.com", ResetToken: "tok"}, time.Hour)
	assert.Equal(t, "a@b.com", v.Name)
	assert.Equal(t, "http://localhost:3030/reset_password?token=tok", v.Link)
	assert.Equal(t, "1h0m0s", v.ResetWindow)

	msg, err := tpl.Render(jobdomain.KindResetPassword, "a@b.com", v)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "valid for 1h0m0s")
	assert.Contains(t, msg.HTML, `href="http://localhost:3030/reset_password?token=tok"`)
}

func TestTemplates_TradeVarsEscapeHTML(t *testing.T) {
	tpl, err := LoadTemplates("http://localhost:3030")
	require.NoError(t, err)

	v := tpl.TradeVars(jobdomain.TradeEmail{TradeID: "t-1", Counterparty: "<b>Rival</b>", DeclineReason: "lopsided"})
	msg, err := tpl.Render(jobdomain.KindTradeDeclined, "a@b.com", v)
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "&lt;b&gt;Rival&lt;/b&gt;")
	assert.Contains(t, msg.Text, "Reason: lopsided")
	assert.Contains(t, msg.Text, "http://localhost:3030/trades/t-1")
}
