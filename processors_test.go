package fhirconv_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	fhirconv "github.com/caremorph/go-fhirconv"
	"github.com/caremorph/go-fhirconv/pkg/render"
	"github.com/caremorph/go-fhirconv/pkg/telemetry"
	"github.com/caremorph/go-fhirconv/pkg/templates"
)

const sampleHL7 = "MSH|^~\\&|SENDING|FACILITY|RECEIVING|FACILITY|20230415120000||ADT^A01|MSG00001|P|2.5\r" +
	"PID|1||12345^^^MRN||DOE^JOHN||19800101|M\r"

const sampleCCDA = `<ClinicalDocument xmlns="urn:hl7-org:v3"><title>Discharge Summary</title></ClinicalDocument>`

const sampleJSON = `{"patient": {"name": "Ada"}}`

const sampleFHIR = `{"resourceType": "Patient", "id": "p1"}`

const patientTemplate = `{% set pid = msg.segments.PID %}{"resourceType":"Patient","id":"{{ pid.fields.2|first|generate_uuid }}","birthDate":"{{ pid.fields.6|format_as_date_time }}"}`

func layerStore(t *testing.T, sources map[string]string) *templates.LayeredStore {
	t.Helper()

	layer := make(map[string]*render.Template, len(sources))
	for name, source := range sources {
		tpl, err := render.Parse(name, source)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		layer[name] = tpl
	}
	return templates.NewLayeredStore(layer)
}

func TestConvertAllFormats(t *testing.T) {
	cases := []struct {
		format   string
		input    string
		template string
		contains string
	}{
		{fhirconv.FormatHL7v2, sampleHL7, patientTemplate, `"birthDate":"1980-01-01"`},
		{fhirconv.FormatCCDA, sampleCCDA, `{"resourceType":"Composition","title":"{{ msg.ClinicalDocument.title._ }}"}`, "Discharge Summary"},
		{fhirconv.FormatJSON, sampleJSON, `Hello {{ msg.patient.name }}`, "Hello Ada"},
		{fhirconv.FormatFHIR, sampleFHIR, `{{ msg.resourceType }}/{{ msg.id }}`, "Patient/p1"},
	}

	for _, tc := range cases {
		t.Run(tc.format, func(t *testing.T) {
			proc, err := fhirconv.NewProcessor(tc.format, fhirconv.DefaultConfig())
			if err != nil {
				t.Fatalf("new processor: %v", err)
			}
			store := layerStore(t, map[string]string{"root": tc.template})

			out, err := proc.Convert(context.Background(), tc.input, "root", store)
			if err != nil {
				t.Fatalf("convert: %v", err)
			}
			if out == "" {
				t.Fatal("expected non-empty output")
			}
			if !strings.Contains(out, tc.contains) {
				t.Fatalf("output %q missing %q", out, tc.contains)
			}
		})
	}
}

func TestConvertPreParsedFastPath(t *testing.T) {
	proc := fhirconv.NewJSONProcessor(fhirconv.DefaultConfig())
	store := layerStore(t, map[string]string{"root": `{{ msg.already }}`})

	out, err := proc.Convert(context.Background(), map[string]any{"already": "parsed"}, "root", store)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if out != "parsed" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDirectoryAndLayerStoresAgree(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ADT_A01.liquid"), []byte(patientTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	dirStore, err := templates.NewDirectoryStore(dir)
	if err != nil {
		t.Fatalf("directory store: %v", err)
	}
	memStore := layerStore(t, map[string]string{"ADT_A01": patientTemplate})

	proc := fhirconv.NewHL7v2Processor(fhirconv.DefaultConfig())

	fromDir, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", dirStore)
	if err != nil {
		t.Fatalf("convert via directory store: %v", err)
	}
	fromMem, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", memStore)
	if err != nil {
		t.Fatalf("convert via layered store: %v", err)
	}
	if fromDir != fromMem {
		t.Fatalf("stores disagree:\ndir: %q\nmem: %q", fromDir, fromMem)
	}
}

func TestConvertValidationOrder(t *testing.T) {
	proc := fhirconv.NewJSONProcessor(fhirconv.DefaultConfig())
	store := layerStore(t, map[string]string{"root": `ok`})

	if _, err := proc.Convert(context.Background(), sampleJSON, "root", nil); !errors.Is(err, fhirconv.ErrNilTemplateProvider) {
		t.Fatalf("nil provider: want ErrNilTemplateProvider, got %v", err)
	}
	if _, err := proc.Convert(context.Background(), sampleJSON, "", store); !errors.Is(err, fhirconv.ErrEmptyRootTemplate) {
		t.Fatalf("empty name: want ErrEmptyRootTemplate, got %v", err)
	}
	if _, err := proc.Convert(context.Background(), sampleJSON, "doesNotExist", store); !errors.Is(err, fhirconv.ErrTemplateNotFound) {
		t.Fatalf("unknown name: want ErrTemplateNotFound, got %v", err)
	}
}

func TestConvertLoopCeilingPerFormat(t *testing.T) {
	items := make([]any, 1000)
	root := map[string]any{"items": items}
	source := `{% for a in msg.items %}{% for b in msg.items %}{% for c in msg.items %}x{% endfor %}{% endfor %}{% endfor %}`

	for _, format := range []string{fhirconv.FormatHL7v2, fhirconv.FormatCCDA, fhirconv.FormatJSON, fhirconv.FormatFHIR} {
		t.Run(format, func(t *testing.T) {
			proc, err := fhirconv.NewProcessor(format, fhirconv.DefaultConfig())
			if err != nil {
				t.Fatalf("new processor: %v", err)
			}
			store := layerStore(t, map[string]string{"root": source})

			_, err = proc.Convert(context.Background(), root, "root", store)

			var renderErr *fhirconv.RenderError
			if !errors.As(err, &renderErr) {
				t.Fatalf("want RenderError, got %v", err)
			}
			if !strings.Contains(err.Error(), "100000") {
				t.Fatalf("error should name the ceiling, got %q", err)
			}
		})
	}
}

func TestConvertNestingCeilingPerFormat(t *testing.T) {
	for _, format := range []string{fhirconv.FormatHL7v2, fhirconv.FormatCCDA, fhirconv.FormatJSON, fhirconv.FormatFHIR} {
		t.Run(format, func(t *testing.T) {
			proc, err := fhirconv.NewProcessor(format, fhirconv.DefaultConfig())
			if err != nil {
				t.Fatalf("new processor: %v", err)
			}

			t.Run("self", func(t *testing.T) {
				store := layerStore(t, map[string]string{"root": `{% include "root" %}`})
				_, err := proc.Convert(context.Background(), map[string]any{}, "root", store)
				assertNestingError(t, err)
			})
			t.Run("mutual", func(t *testing.T) {
				store := layerStore(t, map[string]string{
					"root":  `{% include "other" %}`,
					"other": `{% include "root" %}`,
				})
				_, err := proc.Convert(context.Background(), map[string]any{}, "root", store)
				assertNestingError(t, err)
			})
		})
	}
}

func assertNestingError(t *testing.T, err error) {
	t.Helper()

	var renderErr *fhirconv.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("want RenderError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Nesting too deep") {
		t.Fatalf("error should mention nesting, got %q", err)
	}
}

func TestConvertAfterNestingFailureStillWorks(t *testing.T) {
	proc := fhirconv.NewJSONProcessor(fhirconv.DefaultConfig())
	store := layerStore(t, map[string]string{
		"bad":  `{% include "bad" %}`,
		"good": `fine`,
	})

	if _, err := proc.Convert(context.Background(), map[string]any{}, "bad", store); err == nil {
		t.Fatal("expected nesting failure")
	}
	out, err := proc.Convert(context.Background(), map[string]any{}, "good", store)
	if err != nil {
		t.Fatalf("depth accounting leaked across renders: %v", err)
	}
	if out != "fine" {
		t.Fatalf("unexpected output %q", out)
	}
}

func slowRoot() map[string]any {
	items := make([]any, 50000)
	for i := range items {
		items[i] = i
	}
	return map[string]any{"items": items}
}

const slowTemplate = `{% for item in msg.items %}{{ item|generate_uuid }}{% endfor %}`

func TestConvertTimeout(t *testing.T) {
	proc := fhirconv.NewJSONProcessor(fhirconv.Config{TimeoutMS: 1})
	store := layerStore(t, map[string]string{"root": slowTemplate})

	out, err := proc.Convert(context.Background(), slowRoot(), "root", store)
	if err == nil {
		// Finished inside the budget; allowed, the budget is best-effort.
		if out == "" {
			t.Fatal("successful render must produce output here")
		}
		return
	}

	var timeoutErr *fhirconv.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("want TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout must carry its cancellation cause, got %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("internal timeout must not read as caller cancellation: %v", err)
	}
}

func TestConvertTimeoutDisabled(t *testing.T) {
	store := layerStore(t, map[string]string{"root": slowTemplate})
	for name, timeout := range map[string]int{"unset": 0, "negative": -100} {
		t.Run(name, func(t *testing.T) {
			proc := fhirconv.NewJSONProcessor(fhirconv.Config{TimeoutMS: timeout})
			out, err := proc.Convert(context.Background(), slowRoot(), "root", store)
			if err != nil {
				t.Fatalf("disabled timeout must not interrupt: %v", err)
			}
			if out == "" {
				t.Fatal("expected non-empty output")
			}
		})
	}
}

func TestConvertCallerCancellation(t *testing.T) {
	proc := fhirconv.NewJSONProcessor(fhirconv.Config{TimeoutMS: 5000})
	store := layerStore(t, map[string]string{"root": `{{ msg.patient.name }}`})

	if _, err := proc.Convert(context.Background(), sampleJSON, "root", store); err != nil {
		t.Fatalf("first call: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := proc.Convert(ctx, sampleJSON, "root", store)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want plain cancellation, got %v", err)
	}
	var timeoutErr *fhirconv.TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatal("caller cancellation must not be a TimeoutError")
	}
	var renderErr *fhirconv.RenderError
	if errors.As(err, &renderErr) {
		t.Fatal("caller cancellation must not be a RenderError")
	}
}

func TestConvertIsDeterministic(t *testing.T) {
	proc := fhirconv.NewHL7v2Processor(fhirconv.DefaultConfig())
	store := layerStore(t, map[string]string{"ADT_A01": patientTemplate})

	first, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", store)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", store)
		if err != nil {
			t.Fatalf("convert %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("output drifted between runs:\nfirst: %q\n  got: %q", first, again)
		}
	}
}

func TestConvertConcurrentReuse(t *testing.T) {
	proc := fhirconv.NewHL7v2Processor(fhirconv.DefaultConfig())
	store := layerStore(t, map[string]string{"ADT_A01": patientTemplate})

	want, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", store)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := proc.Convert(context.Background(), sampleHL7, "ADT_A01", store)
			if err != nil {
				t.Errorf("concurrent convert: %v", err)
				return
			}
			if out != want {
				t.Errorf("concurrent output mismatch: %q", out)
			}
		}()
	}
	wg.Wait()
}

type captureSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *captureSink) Record(event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestConvertEmitsTelemetry(t *testing.T) {
	sink := &captureSink{}
	proc := fhirconv.NewJSONProcessor(fhirconv.DefaultConfig(), fhirconv.WithTelemetry(sink))
	store := layerStore(t, map[string]string{"root": `ok`})

	if _, err := proc.Convert(context.Background(), sampleJSON, "root", store); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if _, err := proc.Convert(context.Background(), sampleJSON, "missing", store); err == nil {
		t.Fatal("expected failure")
	}

	if len(sink.events) != 2 {
		t.Fatalf("want 2 events, got %d", len(sink.events))
	}
	if sink.events[0].Err != nil || sink.events[0].Format != fhirconv.FormatJSON {
		t.Fatalf("unexpected first event %+v", sink.events[0])
	}
	if sink.events[1].Err == nil {
		t.Fatal("failure event should carry the error")
	}
}
