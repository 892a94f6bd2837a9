package model

import (
	"strings"
	"time"
)

const (
	DefaultOpportunityType = "Opportunity"
	DefaultDescription     = "No description provided."
)

// Opportunity is one unit of upstream content to announce once per destination.
// It is not persisted; it only travels into the broadcast engine.
type Opportunity struct {
	ID          string
	Type        string
	Title       string
	Description string
	URL         string
	CreatedAt   time.Time
}

// Validate reports missing required fields (id, title, url).
func (o Opportunity) Validate() error {
	var missing []string
	if strings.TrimSpace(o.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(o.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(o.URL) == "" {
		missing = append(missing, "url")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing, Reason: "missing required fields"}
	}
	return nil
}

// Normalize trims text fields and applies defaults. A zero CreatedAt becomes now.
func (o Opportunity) Normalize(now time.Time) Opportunity {
	o.ID = strings.TrimSpace(o.ID)
	o.Title = strings.TrimSpace(o.Title)
	o.URL = strings.TrimSpace(o.URL)
	o.Description = strings.TrimSpace(o.Description)
	o.Type = strings.TrimSpace(o.Type)
	if o.Type == "" {
		o.Type = DefaultOpportunityType
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.CreatedAt = o.CreatedAt.UTC()
	return o
}
