package main

import (
	"strings"
	"testing"
)

func TestRenderFieldContainsLabelAndValue(t *testing.T) {
	out := renderField("template_id", "deadbeef")
	if !strings.Contains(out, "template_id") {
		t.Fatalf("expected label in output, got %q", out)
	}
	if !strings.Contains(out, "deadbeef") {
		t.Fatalf("expected value in output, got %q", out)
	}
}
