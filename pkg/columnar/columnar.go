// Package columnar resolves and validates the in-process columnar runtime
// (spec.md §2 "Columnar runtime loader", §6 "Columnar runtime interface
// consumed"). The runtime itself (Arrow or similar) is an external
// collaborator; this package only picks among candidate sources and checks
// the minimal capability shape spec.md requires.
package columnar

import (
	"context"
	"fmt"
	"reflect"

	"github.com/wisbric/cloudquery/pkg/events"
)

// RequiredSurface lists the property names spec.md §6 requires to be
// present on a loaded columnar module. Only presence is validated — no
// specific method is ever invoked by the core.
var RequiredSurface = []string{"Table", "RecordBatch", "RecordBatchReader", "Schema", "Field", "Vector", "Type"}

// Source produces a candidate module, or an error if this source isn't
// available. Sources are tried in order (spec.md §9 "Dynamic module
// loading ... modeled as an ordered strategy list").
type Source func(ctx context.Context) (any, error)

// Load tries each source in order, validating the first successful
// candidate's capability shape before accepting it.
func Load(ctx context.Context, sources ...Source) (any, error) {
	var lastErr error
	for _, src := range sources {
		mod, err := src(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if err := Validate(mod); err != nil {
			lastErr = err
			continue
		}
		return mod, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("columnar: no candidate source produced a module")
	}
	return nil, events.New(events.CodeDependencyLoadError, events.SourceOrchestration,
		"no columnar runtime candidate satisfied the required capability surface",
		events.WithCause(lastErr), events.WithDependency("columnar-runtime"))
}

// Validate checks that mod exposes every name in RequiredSurface, either as
// an exported struct field or as a method.
func Validate(mod any) error {
	if mod == nil {
		return fmt.Errorf("columnar: nil module")
	}
	v := reflect.ValueOf(mod)
	t := v.Type()

	elem := v
	if elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	var missing []string
	for _, name := range RequiredSurface {
		if hasField(elem, name) || hasMethod(t, name) {
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return fmt.Errorf("columnar: module missing required surface: %v", missing)
	}
	return nil
}

func hasField(v reflect.Value, name string) bool {
	return v.Kind() == reflect.Struct && v.FieldByName(name).IsValid()
}

func hasMethod(t reflect.Type, name string) bool {
	_, ok := t.MethodByName(name)
	return ok
}

// ReferenceRuntime satisfies RequiredSurface without binding any real
// Arrow-family library. It exists so the demo host and tests have a
// loadable module when no concrete columnar binding is configured; it
// carries no columnar data and every accessor panics if actually invoked.
type ReferenceRuntime struct{}

func (ReferenceRuntime) Table() any             { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) RecordBatch() any       { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) RecordBatchReader() any { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) Schema() any            { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) Field() any             { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) Vector() any            { panic("columnar: reference runtime has no data") }
func (ReferenceRuntime) Type() any              { panic("columnar: reference runtime has no data") }

// NewReferenceSource returns a Source that always yields a ReferenceRuntime,
// for use as the last entry in a Load source list.
func NewReferenceSource() Source {
	return func(ctx context.Context) (any, error) {
		return ReferenceRuntime{}, nil
	}
}
