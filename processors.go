package fhirconv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caremorph/go-fhirconv/internal/ccda"
	"github.com/caremorph/go-fhirconv/internal/hl7v2"
	"github.com/caremorph/go-fhirconv/internal/jsondata"
	"github.com/caremorph/go-fhirconv/pkg/render"
	"github.com/caremorph/go-fhirconv/pkg/telemetry"
)

// Supported input formats.
const (
	FormatHL7v2 = "hl7v2"
	FormatCCDA  = "ccda"
	FormatJSON  = "json"
	FormatFHIR  = "fhir"
)

type parseFunc func(raw string) (map[string]any, error)

// Processor converts one input format into template-rendered output. The
// four formats differ only in how raw text becomes a root data object; the
// template resolution, governor, and error taxonomy are shared.
//
// A Processor holds only immutable state and is safe for concurrent reuse;
// every Convert call gets its own render governor.
type Processor struct {
	format string
	parse  parseFunc
	cfg    Config
	sink   telemetry.Sink
}

// Option adjusts processor construction.
type Option func(*Processor)

// WithTelemetry routes conversion events to sink instead of discarding them.
func WithTelemetry(sink telemetry.Sink) Option {
	return func(p *Processor) {
		if sink != nil {
			p.sink = sink
		}
	}
}

func newProcessor(format string, parse parseFunc, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		format: format,
		parse:  parse,
		cfg:    cfg,
		sink:   telemetry.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// NewHL7v2Processor converts pipe-delimited HL7v2 messages.
func NewHL7v2Processor(cfg Config, opts ...Option) *Processor {
	return newProcessor(FormatHL7v2, hl7v2.Parse, cfg, opts...)
}

// NewCCDAProcessor converts CCDA/CDA XML documents.
func NewCCDAProcessor(cfg Config, opts ...Option) *Processor {
	return newProcessor(FormatCCDA, ccda.Parse, cfg, opts...)
}

// NewJSONProcessor converts generic JSON payloads.
func NewJSONProcessor(cfg Config, opts ...Option) *Processor {
	return newProcessor(FormatJSON, jsondata.Parse, cfg, opts...)
}

// NewFHIRProcessor converts FHIR-STU3 JSON resources.
func NewFHIRProcessor(cfg Config, opts ...Option) *Processor {
	return newProcessor(FormatFHIR, jsondata.ParseFHIR, cfg, opts...)
}

// NewProcessor picks the processor for a format name. Useful for callers
// that receive the format as data, such as the CLI.
func NewProcessor(format string, cfg Config, opts ...Option) (*Processor, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatHL7v2:
		return NewHL7v2Processor(cfg, opts...), nil
	case FormatCCDA:
		return NewCCDAProcessor(cfg, opts...), nil
	case FormatJSON:
		return NewJSONProcessor(cfg, opts...), nil
	case FormatFHIR:
		return NewFHIRProcessor(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("fhirconv: unsupported format %q", format)
	}
}

// Format names the input format this processor accepts.
func (p *Processor) Format() string {
	return p.format
}

// Convert renders templateName from provider against input and returns the
// output text. input is either raw document text (string or []byte, handed
// to the format parser) or an already-parsed map[string]any.
//
// Failures surface through the closed taxonomy: ErrNilTemplateProvider,
// ErrEmptyRootTemplate, ErrTemplateNotFound, *TimeoutError when the
// configured time budget fires, *RenderError for every other render fault.
// Cancellation driven by ctx propagates as the plain context error.
func (p *Processor) Convert(ctx context.Context, input any, templateName string, provider render.Resolver) (out string, err error) {
	start := time.Now()
	defer func() {
		p.sink.Record(telemetry.Event{
			Format:   p.format,
			Template: templateName,
			Duration: time.Since(start),
			Err:      err,
		})
	}()

	if provider == nil {
		return "", ErrNilTemplateProvider
	}
	if strings.TrimSpace(templateName) == "" {
		return "", ErrEmptyRootTemplate
	}

	tpl, err := provider.Resolve(templateName)
	if err != nil {
		return "", err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	root, err := p.rootData(input)
	if err != nil {
		return "", err
	}

	gov := render.NewGovernor(ctx, p.cfg.Timeout())
	defer gov.Release()

	out, err = render.RenderTemplate(tpl, root, provider, gov)
	if err != nil {
		return "", p.classify(ctx, err)
	}
	return out, nil
}

func (p *Processor) rootData(input any) (map[string]any, error) {
	switch v := input.(type) {
	case map[string]any:
		return v, nil
	case string:
		return p.parse(v)
	case []byte:
		return p.parse(string(v))
	default:
		return nil, fmt.Errorf("fhirconv: unsupported input type %T", input)
	}
}

// classify folds a render failure into the error taxonomy. The internal
// timer becomes a TimeoutError; cancellation observed on the caller's
// context propagates untouched; everything else is a RenderError.
func (p *Processor) classify(ctx context.Context, err error) error {
	if render.TimedOut(err) {
		return &TimeoutError{Cause: err}
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	return &RenderError{Cause: err}
}
