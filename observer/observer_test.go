package observer

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"

	reploop "github.com/arcloop/reploop"
)

func TestToOTELAttrsConvertsKnownTypes(t *testing.T) {
	attrs := toOTELAttrs([]reploop.SpanAttr{
		reploop.StringAttr("s", "v"),
		reploop.IntAttr("i", 7),
		reploop.BoolAttr("b", true),
		reploop.Float64Attr("f", 1.5),
	})
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	want := []attribute.KeyValue{
		attribute.String("s", "v"),
		attribute.Int("i", 7),
		attribute.Bool("b", true),
		attribute.Float64("f", 1.5),
	}
	for i, w := range want {
		if attrs[i] != w {
			t.Errorf("attr %d: expected %+v, got %+v", i, w, attrs[i])
		}
	}
}

func TestToOTELAttrsFallsBackOnUnknownType(t *testing.T) {
	type custom struct{}
	attrs := toOTELAttrs([]reploop.SpanAttr{{Key: "x", Value: custom{}}})
	if len(attrs) != 1 {
		t.Fatalf("expected 1 attribute, got %d", len(attrs))
	}
	if attrs[0].Value.AsString() != "" {
		t.Fatalf("expected empty string fallback, got %q", attrs[0].Value.AsString())
	}
}

func TestToOTELAttrsEmptyInput(t *testing.T) {
	attrs := toOTELAttrs(nil)
	if len(attrs) != 0 {
		t.Fatalf("expected 0 attributes, got %d", len(attrs))
	}
}
