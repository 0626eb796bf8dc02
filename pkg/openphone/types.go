package openphone

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Envelope is the outer shape of every webhook delivery.
type Envelope struct {
	ID         string    `json:"id"`
	Object     string    `json:"object"`
	APIVersion string    `json:"apiVersion,omitempty"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
	Data       struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// StringList decodes either a JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		if one == "" {
			*s = nil
			return nil
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return eris.Wrap(err, "openphone: expected string or string array")
	}
	*s = many
	return nil
}

// First returns the first non-empty entry.
func (s StringList) First() string {
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Media is a media reference on a message or call.
type Media struct {
	URL      string `json:"url"`
	Type     string `json:"type,omitempty"`
	Duration *int   `json:"duration,omitempty"`
}

// Message is a text message as delivered by webhooks and the messages API.
type Message struct {
	ID             string     `json:"id"`
	Object         string     `json:"object,omitempty"`
	From           string     `json:"from"`
	To             StringList `json:"to"`
	Direction      string     `json:"direction"`
	Body           string     `json:"body,omitempty"`
	Text           string     `json:"text,omitempty"`
	Media          []Media    `json:"media,omitempty"`
	Status         string     `json:"status,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	PhoneNumberID  string     `json:"phoneNumberId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Content returns the message text; the API uses "text", webhooks "body".
func (m *Message) Content() string {
	if m.Body != "" {
		return m.Body
	}
	return m.Text
}

// IsOutgoing reports whether dir names a direction from the workspace to
// the external party. Both "outgoing" and "outbound" are accepted in any case.
func IsOutgoing(dir string) bool {
	d := strings.TrimSpace(dir)
	return strings.EqualFold(d, "outgoing") || strings.EqualFold(d, "outbound")
}

// IsIncoming reports whether dir names a direction from the external party.
func IsIncoming(dir string) bool {
	d := strings.TrimSpace(dir)
	return strings.EqualFold(d, "incoming") || strings.EqualFold(d, "inbound")
}

// Counterpart returns the external party's phone number.
func (m *Message) Counterpart() string {
	if IsOutgoing(m.Direction) {
		return m.To.First()
	}
	return m.From
}

// Voicemail is the voicemail left on a missed call.
type Voicemail struct {
	URL      string `json:"url"`
	Type     string `json:"type,omitempty"`
	Duration *int   `json:"duration,omitempty"`
}

// Call is a phone call as delivered by webhooks and the calls API.
type Call struct {
	ID             string     `json:"id"`
	Object         string     `json:"object,omitempty"`
	From           string     `json:"from,omitempty"`
	To             StringList `json:"to,omitempty"`
	Participants   StringList `json:"participants,omitempty"`
	Direction      string     `json:"direction"`
	Status         string     `json:"status,omitempty"`
	Duration       *int       `json:"duration,omitempty"`
	Media          []Media    `json:"media,omitempty"`
	Voicemail      *Voicemail `json:"voicemail,omitempty"`
	ConversationID string     `json:"conversationId,omitempty"`
	PhoneNumberID  string     `json:"phoneNumberId,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Counterpart returns the external party's phone number.
func (c *Call) Counterpart() string {
	if IsOutgoing(c.Direction) {
		if to := c.To.First(); to != "" {
			return to
		}
		return c.Participants.First()
	}
	if c.From != "" {
		return c.From
	}
	return c.Participants.First()
}

// LatestTime returns the most recent provider timestamp on the call.
func (c *Call) LatestTime() time.Time {
	t := c.CreatedAt
	for _, p := range []*time.Time{c.AnsweredAt, c.CompletedAt, c.UpdatedAt} {
		if p != nil && p.After(t) {
			t = *p
		}
	}
	return t
}

// Recording is one entry of the call-recordings API.
type Recording struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Type      string     `json:"type,omitempty"`
	Duration  *int       `json:"duration,omitempty"`
	Status    string     `json:"status,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
}

// CallSummary is the AI summary of a call.
type CallSummary struct {
	CallID    string   `json:"callId"`
	Object    string   `json:"object,omitempty"`
	Summary   []string `json:"summary"`
	NextSteps []string `json:"nextSteps,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// Text renders the summary and next steps as plain text.
func (s *CallSummary) Text() string {
	var b strings.Builder
	for _, line := range s.Summary {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(s.NextSteps) > 0 {
		b.WriteString("\nNext steps:\n")
		for _, step := range s.NextSteps {
			if step = strings.TrimSpace(step); step != "" {
				b.WriteString("- ")
				b.WriteString(step)
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// DialogueLine is one utterance of a call transcript.
type DialogueLine struct {
	Identifier string  `json:"identifier"`
	UserID     string  `json:"userId,omitempty"`
	Content    string  `json:"content"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
}

// CallTranscript is the AI transcript of a call.
type CallTranscript struct {
	CallID    string         `json:"callId"`
	Object    string         `json:"object,omitempty"`
	Dialogue  []DialogueLine `json:"dialogue"`
	Duration  float64        `json:"duration,omitempty"`
	Status    string         `json:"status,omitempty"`
	CreatedAt *time.Time     `json:"createdAt,omitempty"`
}

// Text renders the dialogue one "speaker: content" line per utterance.
func (t *CallTranscript) Text() string {
	var b strings.Builder
	for _, d := range t.Dialogue {
		content := strings.TrimSpace(d.Content)
		if content == "" {
			continue
		}
		if d.Identifier != "" {
			b.WriteString(d.Identifier)
			b.WriteString(": ")
		}
		b.WriteString(content)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// Conversation is one entry of the conversations API.
type Conversation struct {
	ID             string     `json:"id"`
	PhoneNumberID  string     `json:"phoneNumberId"`
	Participants   StringList `json:"participants"`
	Name           string     `json:"name,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Data          []T    `json:"data"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	TotalItems    int    `json:"totalItems,omitempty"`
}
