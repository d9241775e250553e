// Package jsondata parses generic JSON and FHIR-STU3 JSON inputs into the
// value tree the template engine traverses.
package jsondata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Parse decodes one JSON object. Numbers decode as json.Number so numeric
// literals survive the round trip into output text unchanged.
func Parse(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("jsondata: empty input")
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()

	var out map[string]any
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("jsondata: %w", err)
	}
	if decoder.More() {
		return nil, errors.New("jsondata: trailing content after JSON object")
	}
	return out, nil
}

// ParseFHIR decodes a FHIR-STU3 resource, requiring the resourceType
// discriminator every FHIR resource carries.
func ParseFHIR(raw string) (map[string]any, error) {
	out, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	resourceType, _ := out["resourceType"].(string)
	if strings.TrimSpace(resourceType) == "" {
		return nil, errors.New("jsondata: input is not a FHIR resource: missing resourceType")
	}
	return out, nil
}
