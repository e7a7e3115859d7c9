package domain

import (
	"regexp"
	"strings"
)

// MissingValue is rendered in place of a placeholder whose slot is unset.
const MissingValue = "<unknown>"

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_\-]+)?)\s*\}\}`)

// Template is prompt text with {{scope.name}} placeholders.
// A bare {{name}} refers to the conversation scope.
type Template struct {
	raw   string
	slots []SlotPath
}

// ParseTemplate parses the placeholders of text. Placeholders naming an
// unknown scope are left untouched as literal text.
func ParseTemplate(text string) Template {
	t := Template{raw: text}
	seen := make(map[SlotPath]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		p, err := ParseSlotPath(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		t.slots = append(t.slots, p)
	}
	return t
}

// Raw returns the unrendered text.
func (t Template) Raw() string { return t.raw }

// Slots returns the distinct slot paths referenced, in order of appearance.
func (t Template) Slots() []SlotPath { return t.slots }

// IsZero reports whether the template is empty.
func (t Template) IsZero() bool { return t.raw == "" }

// Render substitutes each placeholder with its slot value. Unresolved
// placeholders render as MissingValue.
func (t Template) Render(values map[SlotPath]Value) string {
	if len(t.slots) == 0 {
		return t.raw
	}
	return placeholderRe.ReplaceAllStringFunc(t.raw, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		p, err := ParseSlotPath(sub[1])
		if err != nil {
			return match
		}
		v, ok := values[p]
		if !ok || v.IsNull() {
			return MissingValue
		}
		return v.String()
	})
}

// RenderAll renders a list of templates joined by a blank line.
func RenderAll(ts []Template, values map[SlotPath]Value) string {
	parts := make([]string, 0, len(ts))
	for _, t := range ts {
		if s := t.Render(values); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// TemplateSlots returns the distinct slot paths referenced by ts.
func TemplateSlots(ts ...Template) []SlotPath {
	var out []SlotPath
	seen := make(map[SlotPath]struct{})
	for _, t := range ts {
		for _, p := range t.slots {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
