package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "c2VjcmV0" // base64("secret")
	testBody   = `{"id":"EV1","object":"event","type":"message.received","createdAt":"2026-03-01T12:00:00.000Z","data":{"object":{"id":"MSG1"}}}`
)

func referenceSignature(key, ts, body string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(ts + "." + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestGate_AcceptsValidSignature(t *testing.T) {
	g := NewGate(testSecret, 0)
	header := "hmac;1;1700000000;" + referenceSignature("secret", "1700000000", testBody)

	ev, err := g.Open([]byte(testBody), header)
	require.NoError(t, err)
	assert.Equal(t, "EV1", ev.ID)
	assert.Equal(t, "message.received", ev.Type)
	assert.JSONEq(t, `{"id":"MSG1"}`, string(ev.Object))
	assert.JSONEq(t, testBody, string(ev.Raw))
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), ev.CreatedAt.UTC())
}

func TestGate_VersionPrefix(t *testing.T) {
	g := NewGate(testSecret, 0)
	header := "hmac;v1;1700000000;" + referenceSignature("secret", "1700000000", testBody)
	assert.NoError(t, g.Verify([]byte(testBody), header))
}

func TestGate_RawSecretFallback(t *testing.T) {
	secret := "not base64!"
	g := NewGate(secret, 0)
	header := "hmac;1;1700000000;" + referenceSignature(secret, "1700000000", testBody)
	assert.NoError(t, g.Verify([]byte(testBody), header))
}

func TestGate_SignRoundTrip(t *testing.T) {
	g := NewGate(testSecret, 0)
	assert.NoError(t, g.Verify([]byte(testBody), g.Sign("1700000000", []byte(testBody))))
}

func TestGate_Rejects(t *testing.T) {
	good := referenceSignature("secret", "1700000000", testBody)
	tests := []struct {
		name   string
		header string
		body   string
	}{
		{"missing header", "", testBody},
		{"too few fields", "hmac;1;" + good, testBody},
		{"wrong scheme", "sha1;1;1700000000;" + good, testBody},
		{"wrong version", "hmac;v2;1700000000;" + good, testBody},
		{"bad timestamp", "hmac;1;yesterday;" + good, testBody},
		{"digest not base64", "hmac;1;1700000000;%%%", testBody},
		{"timestamp not signed", "hmac;1;1700000001;" + good, testBody},
		{"tampered body", "hmac;1;1700000000;" + good, testBody + " "},
		{"wrong key", "hmac;1;1700000000;" + referenceSignature("other", "1700000000", testBody), testBody},
	}
	g := NewGate(testSecret, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Open([]byte(tt.body), tt.header)
			require.Error(t, err)
			var authErr *AuthenticationError
			assert.True(t, errors.As(err, &authErr), "got %T", err)
		})
	}
}

func TestGate_NoSecretRejectsEverything(t *testing.T) {
	g := NewGate("", 0)
	err := g.Verify([]byte(testBody), "hmac;1;1700000000;"+referenceSignature("", "1700000000", testBody))
	var authErr *AuthenticationError
	assert.True(t, errors.As(err, &authErr))
}

func TestGate_Tolerance(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewGate(testSecret, 5*time.Minute)
	g.now = func() time.Time { return now }

	fresh := strconv.FormatInt(now.Add(-time.Minute).Unix(), 10)
	assert.NoError(t, g.Verify([]byte(testBody), g.Sign(fresh, []byte(testBody))))

	millis := strconv.FormatInt(now.Add(-time.Minute).UnixMilli(), 10)
	assert.NoError(t, g.Verify([]byte(testBody), g.Sign(millis, []byte(testBody))))

	stale := strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	err := g.Verify([]byte(testBody), g.Sign(stale, []byte(testBody)))
	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Contains(t, authErr.Reason, "tolerance")

	future := strconv.FormatInt(now.Add(time.Hour).Unix(), 10)
	assert.Error(t, g.Verify([]byte(testBody), g.Sign(future, []byte(testBody))))
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"id":`},
		{"no id", `{"type":"message.received","data":{"object":{}}}`},
		{"no type", `{"id":"EV1","data":{"object":{}}}`},
		{"no data", `{"id":"EV1","type":"message.received"}`},
		{"null object", `{"id":"EV1","type":"message.received","data":{"object":null}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			var mp *MalformedPayloadError
			assert.True(t, errors.As(err, &mp))
		})
	}
}
