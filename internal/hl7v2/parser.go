// Package hl7v2 parses pipe-delimited HL7v2 messages into the generic value
// tree the template engine traverses. The shape is segments → fields →
// repetitions → components → subcomponents, with every single-element level
// collapsed to its scalar so templates read naturally.
package hl7v2

import (
	"errors"
	"fmt"
	"strings"
)

// delimiters carries the separators declared by the MSH header.
type delimiters struct {
	field        byte
	component    byte
	repetition   byte
	escape       byte
	subcomponent byte
}

// Parse turns one raw HL7v2 message into a template-traversable tree:
//
//	{
//	  "messageType": "ADT^A01",
//	  "controlId":   "MSG00001",
//	  "timestamp":   "200301011230",
//	  "segments":    {"PID": {"name": "PID", "index": 2, "fields": [...], "repeats": [...]}},
//	}
//
// Each segment name maps to its first occurrence, so templates address the
// common case as msg.segments.PID.fields; the "repeats" key lists every
// occurrence in arrival order for segments that repeat. Parse fails when the
// message lacks a well-formed MSH header.
func Parse(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("hl7v2: empty message")
	}

	lines := splitSegments(trimmed)
	header := lines[0]
	if len(header) < 9 || !strings.HasPrefix(header, "MSH") {
		return nil, errors.New("hl7v2: message must start with an MSH segment")
	}

	del := delimiters{
		field:        header[3],
		component:    header[4],
		repetition:   header[5],
		escape:       header[6],
		subcomponent: header[7],
	}

	occurrences := make(map[string][]any)
	var msh []any
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) < 3 {
			return nil, fmt.Errorf("hl7v2: segment %d is too short", i+1)
		}
		name := line[:3]

		// A bare segment name carries zero fields; anything between name
		// and separator is malformed.
		fields := []any{}
		switch {
		case name == "MSH":
			if len(line) < 9 {
				return nil, fmt.Errorf("hl7v2: segment %d: truncated MSH header", i+1)
			}
			fields = parseMSHFields(line, del)
		case len(line) == 3:
			// zero fields
		case line[3] != del.field:
			return nil, fmt.Errorf("hl7v2: segment %d: %q is not followed by the field separator", i+1, name)
		default:
			fields = parseFields(line[4:], del)
		}

		occurrences[name] = append(occurrences[name], map[string]any{
			"name":   name,
			"index":  i + 1,
			"fields": fields,
		})
		if name == "MSH" && msh == nil {
			msh = fields
		}
	}

	segments := make(map[string]any, len(occurrences))
	for name, occs := range occurrences {
		first := occs[0].(map[string]any)
		entry := make(map[string]any, len(first)+1)
		for key, value := range first {
			entry[key] = value
		}
		entry["repeats"] = occs
		segments[name] = entry
	}

	return map[string]any{
		"messageType": flattenField(fieldAt(msh, 8), del),
		"controlId":   flattenField(fieldAt(msh, 9), del),
		"timestamp":   flattenField(fieldAt(msh, 6), del),
		"segments":    segments,
	}, nil
}

// splitSegments accepts the wire convention (\r) as well as the line endings
// files in the wild actually use.
func splitSegments(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\r")
	normalized = strings.ReplaceAll(normalized, "\n", "\r")
	return strings.Split(normalized, "\r")
}

// parseMSHFields handles the header's self-describing prefix: MSH-1 is the
// field separator itself and MSH-2 the encoding characters, neither of which
// may be split further.
func parseMSHFields(line string, del delimiters) []any {
	fields := []any{string(del.field), line[4:8]}
	if len(line) > 9 {
		fields = append(fields, parseFields(line[9:], del)...)
	}
	return fields
}

func parseFields(raw string, del delimiters) []any {
	parts := strings.Split(raw, string(del.field))
	fields := make([]any, 0, len(parts))
	for _, part := range parts {
		fields = append(fields, parseField(part, del))
	}
	return fields
}

func parseField(raw string, del delimiters) any {
	reps := strings.Split(raw, string(del.repetition))
	values := make([]any, 0, len(reps))
	for _, rep := range reps {
		values = append(values, parseComponents(rep, del))
	}
	return collapse(values)
}

func parseComponents(raw string, del delimiters) any {
	comps := strings.Split(raw, string(del.component))
	values := make([]any, 0, len(comps))
	for _, comp := range comps {
		subs := strings.Split(comp, string(del.subcomponent))
		subValues := make([]any, 0, len(subs))
		for _, sub := range subs {
			subValues = append(subValues, unescape(sub, del))
		}
		values = append(values, collapse(subValues))
	}
	return collapse(values)
}

func collapse(values []any) any {
	if len(values) == 1 {
		return values[0]
	}
	return values
}

// unescape decodes the standard HL7 escape sequences for the declared
// delimiters. Unknown sequences pass through untouched.
func unescape(raw string, del delimiters) string {
	esc := string(del.escape)
	if !strings.Contains(raw, esc) {
		return raw
	}
	replacer := strings.NewReplacer(
		esc+"F"+esc, string(del.field),
		esc+"S"+esc, string(del.component),
		esc+"R"+esc, string(del.repetition),
		esc+"T"+esc, string(del.subcomponent),
		esc+"E"+esc, esc,
	)
	return replacer.Replace(raw)
}

func fieldAt(fields []any, index int) any {
	if index < 0 || index >= len(fields) {
		return nil
	}
	return fields[index]
}

// flattenField renders a possibly-composite field back to its wire text,
// which is what message metadata like MSH-9 reads best as.
func flattenField(field any, del delimiters) string {
	switch v := field.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, flattenField(item, del))
		}
		return strings.Join(parts, string(del.component))
	default:
		return fmt.Sprint(v)
	}
}
