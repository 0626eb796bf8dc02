// Package webhook receives provider push events: the Gate authenticates and
// parses a delivery, the Router applies it exactly once through the shared
// reducers, and Handler exposes both over HTTP.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/commsync/pkg/openphone"
)

// AuthenticationError means the delivery could not be proven authentic.
// Callers respond 403.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "webhook: authentication failed: " + e.Reason
}

// MalformedPayloadError means the body is not a usable event envelope.
type MalformedPayloadError struct {
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	if e.Err != nil {
		return "webhook: malformed payload: " + e.Reason + ": " + e.Err.Error()
	}
	return "webhook: malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

// Event is an authenticated, parsed delivery.
type Event struct {
	ID        string
	Type      string
	CreatedAt time.Time
	// Object is data.object of the envelope.
	Object json.RawMessage
	// Raw is the full envelope as received; it is what the audit log keeps.
	Raw json.RawMessage
}

// Gate verifies signatures of the form "hmac;<version>;<timestamp>;<digest>"
// where digest is base64(HMAC-SHA256(key, timestamp + "." + body)).
type Gate struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewGate creates a Gate. The secret is base64-decoded when it is valid
// base64 and used as raw bytes otherwise. A positive tolerance rejects
// timestamps further than that from now.
func NewGate(secret string, tolerance time.Duration) *Gate {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) == 0 {
		key = []byte(secret)
	}
	return &Gate{key: key, tolerance: tolerance, now: time.Now}
}

// Open verifies header against body and parses the envelope.
func (g *Gate) Open(body []byte, header string) (*Event, error) {
	if err := g.Verify(body, header); err != nil {
		return nil, err
	}
	return Parse(body)
}

// Verify checks the signature header against body.
func (g *Gate) Verify(body []byte, header string) error {
	if len(g.key) == 0 {
		return &AuthenticationError{Reason: "no signing secret configured"}
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &AuthenticationError{Reason: "missing signature header"}
	}

	parts := strings.Split(header, ";")
	if len(parts) != 4 {
		return &AuthenticationError{Reason: "signature header must have 4 fields"}
	}
	scheme, version, timestamp, digest := parts[0], parts[1], parts[2], parts[3]
	if scheme != "hmac" {
		return &AuthenticationError{Reason: "unsupported signature scheme " + strconv.Quote(scheme)}
	}
	if version != "1" && version != "v1" {
		return &AuthenticationError{Reason: "unsupported signature version " + strconv.Quote(version)}
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts <= 0 {
		return &AuthenticationError{Reason: "invalid signature timestamp"}
	}
	provided, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return &AuthenticationError{Reason: "signature is not base64"}
	}

	if !hmac.Equal(provided, g.sign(timestamp, body)) {
		return &AuthenticationError{Reason: "signature mismatch"}
	}

	if g.tolerance > 0 {
		// Millisecond timestamps are accepted as well as seconds.
		if ts > 1e12 {
			ts /= 1000
		}
		skew := g.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > g.tolerance {
			return &AuthenticationError{Reason: "signature timestamp outside tolerance"}
		}
	}
	return nil
}

// Sign returns the header value for body at timestamp. Tests and replay
// tooling use it to produce valid deliveries.
func (g *Gate) Sign(timestamp string, body []byte) string {
	return "hmac;1;" + timestamp + ";" + base64.StdEncoding.EncodeToString(g.sign(timestamp, body))
}

func (g *Gate) sign(timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(timestamp)) //nolint:errcheck
	mac.Write([]byte("."))       //nolint:errcheck
	mac.Write(body)              //nolint:errcheck
	return mac.Sum(nil)
}

// Parse decodes an envelope without verifying it. Replay uses it on stored
// payloads that were verified on receipt.
func Parse(body []byte) (*Event, error) {
	var env openphone.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedPayloadError{Reason: "invalid JSON envelope", Err: err}
	}
	switch {
	case strings.TrimSpace(env.ID) == "":
		return nil, &MalformedPayloadError{Reason: "envelope has no id"}
	case strings.TrimSpace(env.Type) == "":
		return nil, &MalformedPayloadError{Reason: "envelope has no type"}
	case len(env.Data.Object) == 0 || string(env.Data.Object) == "null":
		return nil, &MalformedPayloadError{Reason: "envelope has no data.object"}
	}
	return &Event{
		ID:        env.ID,
		Type:      env.Type,
		CreatedAt: env.CreatedAt,
		Object:    env.Data.Object,
		Raw:       append(json.RawMessage(nil), body...),
	}, nil
}
