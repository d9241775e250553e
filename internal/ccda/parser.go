// Package ccda parses CCDA/CDA XML documents into a generic element tree.
// Attributes become plain keys, element text lands under "_", and repeated
// child elements group into lists, so templates address the document the same
// way they address parsed JSON.
package ccda

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Parse decodes one CDA document. The root element must be ClinicalDocument;
// the returned tree binds it under that name:
//
//	{"ClinicalDocument": {"recordTarget": {...}, "code": {"code": "34133-9", ...}, ...}}
func Parse(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("ccda: empty document")
	}

	decoder := xml.NewDecoder(strings.NewReader(raw))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return nil, errors.New("ccda: no root element")
		}
		if err != nil {
			return nil, fmt.Errorf("ccda: %w", err)
		}

		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "ClinicalDocument" {
			return nil, fmt.Errorf("ccda: root element is %q, want ClinicalDocument", start.Name.Local)
		}

		tree, err := decodeElement(decoder, start)
		if err != nil {
			return nil, fmt.Errorf("ccda: %w", err)
		}
		return map[string]any{"ClinicalDocument": tree}, nil
	}
}

func decodeElement(decoder *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	element := make(map[string]any)
	for _, attr := range start.Attr {
		if attr.Name.Local == "xmlns" || attr.Name.Space == "xmlns" {
			continue
		}
		element[attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return nil, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder, t)
			if err != nil {
				return nil, err
			}
			appendChild(element, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if content := strings.TrimSpace(text.String()); content != "" {
				element["_"] = content
			}
			return element, nil
		}
	}
}

// appendChild stores the first occurrence of a child name directly and
// promotes it to a list on repetition, keeping document order.
func appendChild(parent map[string]any, name string, child map[string]any) {
	existing, ok := parent[name]
	if !ok {
		parent[name] = child
		return
	}
	if list, ok := existing.([]any); ok {
		parent[name] = append(list, child)
		return
	}
	parent[name] = []any{existing, child}
}
