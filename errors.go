package fhirconv

import (
	"errors"
	"fmt"

	"github.com/caremorph/go-fhirconv/pkg/templates"
)

var (
	// ErrNilTemplateProvider reports a Convert call without a template
	// resolution source.
	ErrNilTemplateProvider = errors.New("fhirconv: template provider is required")

	// ErrEmptyRootTemplate reports a Convert call with a blank root
	// template name.
	ErrEmptyRootTemplate = errors.New("fhirconv: root template name is required")

	// ErrTemplateNotFound re-exports the store sentinel for callers that
	// only import the root package.
	ErrTemplateNotFound = templates.ErrTemplateNotFound
)

// TimeoutError reports that the processor's own time budget expired
// mid-render. Its cause chain carries the cancellation condition, so it is
// distinguishable from a caller-driven cancel, which propagates unwrapped.
type TimeoutError struct {
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fhirconv: conversion timed out: %v", e.Cause)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// RenderError wraps any rendering-time failure that is not a cancellation:
// loop budget exhaustion, include nesting too deep, unresolvable includes,
// or an underlying template evaluation fault.
type RenderError struct {
	Cause error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("fhirconv: render failed: %v", e.Cause)
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}
