// Package fhirconv converts clinical data (pipe-delimited HL7v2 messages,
// CCDA/CDA XML documents, generic JSON, and FHIR-STU3 JSON resources) into
// template-rendered output, typically FHIR resources.
//
// Conversions run against third-party templates and untrusted payloads, so
// every render is bounded: a shared loop-iteration budget, an include-depth
// budget, and a cancellation signal composed from the caller's context and an
// optional per-processor timeout are all enforced cooperatively at loop and
// include boundaries.
//
// A minimal conversion:
//
//	store, err := templates.NewDirectoryStore("templates/hl7v2")
//	if err != nil {
//		return err
//	}
//	proc := fhirconv.NewHL7v2Processor(fhirconv.Config{TimeoutMS: 5000})
//	out, err := proc.Convert(ctx, rawMessage, "ADT_A01", store)
package fhirconv
