package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in HTML parse mode: the command list, or details for
// one command when args names it.
func (m *Manager) helpText(args []string) string {
	m.mu.RLock()
	list := append([]Command(nil), m.list...)
	byName := m.byName
	m.mu.RUnlock()

	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
		c, ok := byName[name]
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> to see the list."
		}
		return helpCommandHTML(*c)
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Access != list[j].Access {
			return list[i].Access < list[j].Access
		}
		return list[i].Name < list[j].Name
	})
	lines := []string{
		"📚 <b>Commands</b>",
		"Type <code>/help &lt;cmd&gt;</code> for details.",
		"",
	}
	for _, c := range list {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		suffix := ""
		if d := strings.TrimSpace(c.Description); d != "" {
			suffix = " - " + html.EscapeString(d)
		}
		lines = append(lines, prefix+"<code>/"+html.EscapeString(c.Name)+"</code>"+suffix)
	}
	return strings.Join(lines, "\n")
}

func helpCommandHTML(c Command) string {
	lines := []string{"📚 <b>Help</b> <code>/" + html.EscapeString(c.Name) + "</code>"}
	if d := strings.TrimSpace(c.Description); d != "" {
		lines = append(lines, html.EscapeString(d))
	}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owners only</i>")
	}
	if c.Scope == ScopePrivate {
		lines = append(lines, "<i>Private chat only</i>")
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(u)+"</code>")
	}
	if len(c.Aliases) > 0 {
		al := make([]string, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			al = append(al, "<code>/"+html.EscapeString(a)+"</code>")
		}
		lines = append(lines, "", "<b>Aliases</b> "+strings.Join(al, ", "))
	}
	return strings.Join(lines, "\n")
}
