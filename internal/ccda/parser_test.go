package ccda

import (
	"testing"
)

const sampleCCD = `<?xml version="1.0"?>
<ClinicalDocument xmlns="urn:hl7-org:v3">
  <title>Continuity of Care Document</title>
  <code code="34133-9" codeSystem="2.16.840.1.113883.6.1"/>
  <recordTarget>
    <patientRole>
      <id root="2.16.840.1.113883.19.5" extension="998991"/>
      <patient>
        <name>
          <given>Henrietta</given>
          <family>Lacks</family>
        </name>
      </patient>
    </patientRole>
  </recordTarget>
  <component><section><title>Allergies</title></section></component>
  <component><section><title>Medications</title></section></component>
</ClinicalDocument>`

func TestParseDocumentTree(t *testing.T) {
	msg, err := Parse(sampleCCD)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	doc, ok := msg["ClinicalDocument"].(map[string]any)
	if !ok {
		t.Fatal("missing ClinicalDocument root")
	}

	title := doc["title"].(map[string]any)
	if title["_"] != "Continuity of Care Document" {
		t.Fatalf("title text: got %v", title["_"])
	}

	code := doc["code"].(map[string]any)
	if code["code"] != "34133-9" {
		t.Fatalf("code attribute: got %v", code["code"])
	}

	patientRole := doc["recordTarget"].(map[string]any)["patientRole"].(map[string]any)
	id := patientRole["id"].(map[string]any)
	if id["extension"] != "998991" {
		t.Fatalf("id extension: got %v", id["extension"])
	}

	name := patientRole["patient"].(map[string]any)["name"].(map[string]any)
	if name["given"].(map[string]any)["_"] != "Henrietta" {
		t.Fatalf("given name: got %v", name["given"])
	}
}

func TestParseGroupsRepeatedElements(t *testing.T) {
	msg, err := Parse(sampleCCD)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc := msg["ClinicalDocument"].(map[string]any)

	components, ok := doc["component"].([]any)
	if !ok {
		t.Fatalf("repeated component should be a list, got %T", doc["component"])
	}
	if len(components) != 2 {
		t.Fatalf("want 2 components, got %d", len(components))
	}

	first := components[0].(map[string]any)["section"].(map[string]any)["title"].(map[string]any)
	if first["_"] != "Allergies" {
		t.Fatalf("component order lost: got %v", first["_"])
	}
}

func TestParseRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"not xml":    "MSH|^~\\&|",
		"wrong root": "<Bundle></Bundle>",
		"truncated":  "<ClinicalDocument><title>",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(raw); err == nil {
				t.Fatal("expected parse failure")
			}
		})
	}
}
