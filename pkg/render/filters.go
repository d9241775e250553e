package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

// narrativePolicy restricts narrative markup to the benign subset allowed in
// FHIR Narrative.div content.
var narrativePolicy = bluemonday.UGCPolicy()

func registerFilters() {
	if !pongo2.FilterExists("to_json_string") {
		_ = pongo2.RegisterFilter("to_json_string", filterToJSONString)
	}
	if !pongo2.FilterExists("format_as_date_time") {
		_ = pongo2.RegisterFilter("format_as_date_time", filterFormatAsDateTime)
	}
	if !pongo2.FilterExists("generate_uuid") {
		_ = pongo2.RegisterFilter("generate_uuid", filterGenerateUUID)
	}
	if !pongo2.FilterExists("sanitize_narrative") {
		_ = pongo2.RegisterFilter("sanitize_narrative", filterSanitizeNarrative)
	}
}

func filterToJSONString(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	raw, err := json.Marshal(in.Interface())
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:to_json_string", OrigError: err}
	}
	return pongo2.AsValue(string(raw)), nil
}

// filterFormatAsDateTime converts an HL7 TS value (yyyy[MM[dd[HHmm[ss]]]]
// with an optional +/-ZZZZ offset) into a FHIR dateTime, keeping the
// precision of the input.
func filterFormatAsDateTime(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	raw := strings.TrimSpace(in.String())
	if raw == "" {
		return pongo2.AsValue(""), nil
	}

	formatted, err := formatHL7Timestamp(raw)
	if err != nil {
		return nil, &pongo2.Error{Sender: "filter:format_as_date_time", OrigError: err}
	}
	return pongo2.AsValue(formatted), nil
}

func formatHL7Timestamp(raw string) (string, error) {
	value := raw
	offset := ""
	if idx := strings.IndexAny(value, "+-"); idx > 0 {
		offset = value[idx:]
		value = value[:idx]
	}
	// Fractional seconds carry no meaning for FHIR dateTime precision.
	if idx := strings.IndexByte(value, '.'); idx > 0 {
		value = value[:idx]
	}

	if len(value) < 4 || len(value)%2 != 0 || len(value) > 14 {
		return "", fmt.Errorf("invalid HL7 timestamp %q", raw)
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid HL7 timestamp %q", raw)
		}
	}

	var b strings.Builder
	b.WriteString(value[:4])
	if len(value) >= 6 {
		b.WriteString("-" + value[4:6])
	}
	if len(value) >= 8 {
		b.WriteString("-" + value[6:8])
	}
	if len(value) >= 12 {
		b.WriteString("T" + value[8:10] + ":" + value[10:12])
		if len(value) >= 14 {
			b.WriteString(":" + value[12:14])
		} else {
			b.WriteString(":00")
		}
		if offset != "" {
			if len(offset) != 5 {
				return "", fmt.Errorf("invalid timezone offset in HL7 timestamp %q", raw)
			}
			b.WriteString(offset[:3] + ":" + offset[3:])
		}
	} else if len(value) >= 10 {
		return "", fmt.Errorf("invalid HL7 timestamp %q: time without minutes", raw)
	}

	return b.String(), nil
}

// filterGenerateUUID derives a name-based UUID from its input, so the same
// business identifier always yields the same resource id.
func filterGenerateUUID(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	seed := in.String()
	if strings.TrimSpace(seed) == "" {
		return nil, &pongo2.Error{
			Sender:    "filter:generate_uuid",
			OrigError: fmt.Errorf("generate_uuid needs a non-empty input"),
		}
	}
	return pongo2.AsValue(uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()), nil
}

func filterSanitizeNarrative(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(narrativePolicy.Sanitize(in.String())), nil
}
