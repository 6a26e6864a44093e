package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderPlain(t *testing.T) {
	DisableColor()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"pass", RenderPass("ok"), "ok"},
		{"fail", RenderFail("bad"), "bad"},
		{"pass icon", RenderPassIcon("synced"), IconPass + " synced"},
		{"warn icon", RenderWarnIcon("offline"), IconWarn + " offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestShouldUseColor_NonFile(t *testing.T) {
	if ShouldUseColor(&bytes.Buffer{}) {
		t.Error("a buffer is never a color terminal")
	}
}

func TestTable(t *testing.T) {
	DisableColor()

	out := Table([]string{"ID", "TITLE"}, [][]string{
		{"a1", "Milk"},
		{"b22", "Bread"},
	})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), out)
	}
	if lines[0] != "ID   TITLE" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "a1   Milk" || lines[2] != "b22  Bread" {
		t.Errorf("rows = %q", lines[1:])
	}
}
