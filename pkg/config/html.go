package config

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// RenderHTML substitutes {HOST_OPTIONS} and {COMMAND_OPTIONS} into the
// given template. The markup shape is fixed: the embedded client JS
// keys off the host-row classes and the data-commands attribute, so it
// must not drift.
func (s *Store) RenderHTML(tmpl string) string {
	tmpl = strings.ReplaceAll(tmpl, "{HOST_OPTIONS}", s.hostOptionsHTML())
	tmpl = strings.ReplaceAll(tmpl, "{COMMAND_OPTIONS}", s.commandOptionsHTML())
	return tmpl
}

func (s *Store) hostOptionsHTML() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.hosts))
	for name := range s.hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		escaped := html.EscapeString(name)
		fmt.Fprintf(&b, `
<li class="host-row" data-host="%s" data-commands='%s'>
  <span>
    <span class="host">%s</span>
    <div class="seen" id="seen-%s">last success: &mdash;</div>
  </span>
  <span id="status-%s" class="status">&#10067;</span>
</li>
`, escaped, s.hostCommandsJSONLocked(name), escaped, escaped, escaped)
	}
	return b.String()
}

func (s *Store) hostCommandsJSONLocked(hostname string) string {
	h, ok := s.hosts[hostname]
	if !ok {
		return "[]"
	}
	names := make([]string, 0, len(h.Commands))
	for _, c := range h.Commands {
		names = append(names, c.Name)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, n := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q", n)
	}
	b.WriteByte(']')
	return b.String()
}

func (s *Store) commandOptionsHTML() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.cmds))
	for name := range s.cmds {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		escaped := html.EscapeString(name)
		fmt.Fprintf(&b, `<option value="%s">%s</option>`, escaped, escaped)
	}
	return b.String()
}
