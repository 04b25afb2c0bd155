package main

import (
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/captain/internal/board"
)

func TestRenderTableAligns(t *testing.T) {
	out := renderTable([]row{{"a", "one"}, {"longer", "two"}}, 0, false)
	want := "a       one\nlonger  two\n"
	if out != want {
		t.Fatalf("renderTable = %q, want %q", out, want)
	}
}

func TestRenderTableTruncatesAndColours(t *testing.T) {
	out := renderTable([]row{{"key", strings.Repeat("x", 40)}}, 20, true)
	line := strings.TrimSuffix(out, "\n")
	if !strings.Contains(line, "\x1b[1m") {
		t.Fatalf("coloured output has no bold key: %q", line)
	}
	if w := ansi.StringWidth(line); w > 20 {
		t.Fatalf("line width = %d, want at most 20", w)
	}
	if !strings.HasSuffix(line, "…") {
		t.Fatalf("truncated value has no tail: %q", line)
	}
}

func TestDemoBoardInventory(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	cfg.Serial[0].Console = false
	p, b, err := board.New[monitor](cfg)
	if err != nil {
		t.Fatalf("board.New: %v", err)
	}
	defer b.Close()

	got := map[string]string{}
	for _, r := range inventoryRows(p, b) {
		got[r.key] = r.value
	}
	if got["cores"] != "2 (boot 0)" || got["serial"] != "1 com1" || got["timer"] != "2 hpet0 rtc0" || got["framebuffer"] != "1 fb0" {
		t.Fatalf("inventory = %v", got)
	}
}
