package security_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fishvault/launchgate/internal/model"
	"github.com/fishvault/launchgate/internal/security"
)

func TestRedactPayload(t *testing.T) {
	in := `token=abc123 access_token="quoted-token" password:supersecret Authorization: Basic dXNlcjpwYXNz {"fcm_token":"jsonsecret","devkey":"jsonkey"}`
	out := security.RedactPayload(in)
	for _, leaked := range []string{"abc123", "quoted-token", "supersecret", "dXNlcjpwYXNz", "jsonsecret", "jsonkey"} {
		assert.NotContains(t, out, leaked, "secret leaked after redaction")
	}
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactPayloadBearer(t *testing.T) {
	assert.NotContains(t, security.RedactPayload("bearer tokenxyz"), "tokenxyz")
}

func TestRedactRecordMasksIdentifiers(t *testing.T) {
	in := model.NewRecord(map[string]any{
		"af_id":           "1700000000000-123",
		"idfa":            "AAAA-BBBB",
		"campaign":        "spring",
		"push_token":      "tok",
		"af_dp":           "https://x.test/open?devkey=secret&screen=vault",
		"campaign_id":     42.0,
		"is_first_launch": true,
	})
	out := security.RedactRecord(in)

	for _, key := range []string{"af_id", "idfa", "push_token"} {
		assert.Equal(t, "[REDACTED]", out.String(key), "%s not redacted", key)
	}
	assert.Equal(t, "spring", out.String("campaign"), "non-sensitive value changed")
	dp := out.String("af_dp")
	assert.NotContains(t, dp, "secret")
	assert.Contains(t, dp, "screen=vault")
	assert.Equal(t, "1700000000000-123", in.String("af_id"), "input record mutated")
}

func TestRedactURL(t *testing.T) {
	out := security.RedactURL("https://user:pw@gcdsdk.example/install_data/v4.0/id1?devkey=abc&device_id=xyz&lang=en")
	for _, leaked := range []string{"abc", "xyz", "pw@"} {
		assert.NotContains(t, out, leaked)
	}
	assert.Contains(t, out, "lang=en")
}
