package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/cadence/errors"
)

// The header name and value prefix are wire contract; clients sign against
// them and a rename breaks every existing sender.
func TestSignatureWireContract(t *testing.T) {
	assert.Equal(t, "X-Webhook-Signature", SignatureHeader)
	assert.True(t, len(Sign("s3cret", []byte("x"))) > len("sha256="))
	assert.Equal(t, "sha256=", Sign("s3cret", []byte("x"))[:len("sha256=")])
}

func TestVerifyCorrectSignature(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	body := []byte(`{"event":"git_push","branch":"main"}`)

	assert.NoError(t, auth.Verify(body, Sign("s3cret", body)))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	body := []byte(`{"event":"git_push"}`)

	sig := Sign("s3cret", body)
	// Flip one character of the hex digest
	tampered := []byte(sig)
	last := tampered[len(tampered)-1]
	if last == 'a' {
		tampered[len(tampered)-1] = 'b'
	} else {
		tampered[len(tampered)-1] = 'a'
	}

	err := auth.Verify(body, string(tampered))
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	sig := Sign("s3cret", []byte(`{"event":"git_push"}`))

	err := auth.Verify([]byte(`{"event":"git_push!"}`), sig)
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestVerifyMissingHeaderWithSecret(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	err := auth.Verify([]byte(`{}`), "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestVerifyMalformedHeader(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	assert.ErrorIs(t, auth.Verify([]byte(`{}`), "md5=abc"), errors.ErrUnauthorized)
	assert.ErrorIs(t, auth.Verify([]byte(`{}`), "sha256=nothex!"), errors.ErrUnauthorized)
}

func TestVerifyNoSecretAdmitsAll(t *testing.T) {
	auth := NewAuthenticator("")

	assert.NoError(t, auth.Verify([]byte(`{}`), ""))
	assert.NoError(t, auth.Verify([]byte(`{}`), "sha256=deadbeef"))
	assert.NoError(t, auth.Verify([]byte(`anything`), "garbage"))
}

func TestParsePayload(t *testing.T) {
	vars := ParsePayload([]byte(`{"branch":"main","commits":3,"pusher":{"name":"kai"}}`))
	assert.Equal(t, "main", vars["branch"])
	assert.Equal(t, "3", vars["commits"])
	assert.Equal(t, `{"name":"kai"}`, vars["pusher"])
}

func TestParsePayloadNeverErrors(t *testing.T) {
	assert.Empty(t, ParsePayload(nil))
	assert.Empty(t, ParsePayload([]byte{}))
	assert.Empty(t, ParsePayload([]byte(`not json`)))
	assert.Empty(t, ParsePayload([]byte(`[1,2,3]`)))
}
