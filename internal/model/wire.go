package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Payload is the JSON shape shared by the feed and the webhook.
type Payload struct {
	ID          FlexString `json:"id"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	URL         string     `json:"url"`
	CreatedAt   string     `json:"created_at"`
}

// Opportunity converts the payload. hasCreatedAt is false when created_at was
// absent or unparseable; CreatedAt is then left zero.
func (p Payload) Opportunity() (o Opportunity, hasCreatedAt bool) {
	o = Opportunity{
		ID:          string(p.ID),
		Type:        p.Type,
		Title:       p.Title,
		Description: p.Description,
		URL:         p.URL,
	}
	if t, ok := ParseTimestamp(p.CreatedAt); ok {
		o.CreatedAt = t
		hasCreatedAt = true
	}
	return o, hasCreatedAt
}

// DecodeOpportunity parses one JSON object. Malformed JSON and missing
// required fields both yield a *ValidationError.
func DecodeOpportunity(raw []byte) (Opportunity, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Opportunity{}, false, &ValidationError{Reason: "empty body"}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Opportunity{}, false, &ValidationError{Reason: "invalid json: " + err.Error()}
	}
	o, has := p.Opportunity()
	if err := o.Validate(); err != nil {
		return Opportunity{}, false, err
	}
	return o, has, nil
}

// FlexString accepts a JSON string or number.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339 and the common ISO variants. Values without
// a zone are taken as UTC; unix seconds are accepted too.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC(), true
	}
	return time.Time{}, false
}
