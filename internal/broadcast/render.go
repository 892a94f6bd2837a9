package broadcast

import (
	"html"
	"strings"
	"time"

	"oppcast/internal/model"
)

const headline = "New Trazen Opportunity!"

// Render formats an opportunity as Telegram HTML. All user data is escaped.
func Render(o model.Opportunity) string {
	typ := o.Type
	if strings.TrimSpace(typ) == "" {
		typ = model.DefaultOpportunityType
	}
	desc := o.Description
	if strings.TrimSpace(desc) == "" {
		desc = model.DefaultDescription
	}

	var b strings.Builder
	b.Grow(len(o.Title) + len(desc) + len(o.URL) + 160)
	b.WriteString("<b>" + headline + "</b>\n\n")
	line(&b, "Type", typ)
	line(&b, "Title", o.Title)
	line(&b, "Description", desc)
	line(&b, "Link", o.URL)
	if !o.CreatedAt.IsZero() {
		line(&b, "Posted At", o.CreatedAt.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(b.String(), "\n")
}

func line(b *strings.Builder, label, value string) {
	b.WriteString("<b>")
	b.WriteString(label)
	b.WriteString("</b>: ")
	b.WriteString(html.EscapeString(value))
	b.WriteByte('\n')
}
