package trunc

import (
	"strings"
	"testing"
)

func TestHeadTailShortStringUnchanged(t *testing.T) {
	if got := HeadTail("hello", 10, 10, "x"); got != "hello" {
		t.Errorf("expected unchanged string, got %q", got)
	}
}

func TestHeadTailKeepsEnds(t *testing.T) {
	s := strings.Repeat("a", 100) + strings.Repeat("b", 100)
	got := HeadTail(s, 10, 10, "blob")
	if !strings.HasPrefix(got, "aaaaaaaaaa") {
		t.Errorf("head not kept: %q", got[:20])
	}
	if !strings.HasSuffix(got, "bbbbbbbbbb") {
		t.Errorf("tail not kept: %q", got[len(got)-20:])
	}
	if !strings.Contains(got, "200 chars total") {
		t.Errorf("marker missing original length: %q", got)
	}
}

func TestToolResultSeventyTwenty(t *testing.T) {
	s := strings.Repeat("x", 10000)
	got := ToolResult(s, 1000, "read_file")
	if len(got) >= len(s) {
		t.Fatalf("expected truncation, got %d chars", len(got))
	}
	if !strings.Contains(got, "read_file") {
		t.Errorf("marker missing tool name")
	}
	// 70/20 split of the budget.
	head := strings.Repeat("x", 700)
	if !strings.HasPrefix(got, head) {
		t.Errorf("expected 700-char head keep")
	}
	if got[700] == 'x' {
		t.Errorf("expected marker to start at offset 700")
	}
}

func TestToolResultFitsUnchanged(t *testing.T) {
	if got := ToolResult("short", 1000, "exec"); got != "short" {
		t.Errorf("unexpected change: %q", got)
	}
}

func TestTail(t *testing.T) {
	s := strings.Repeat("a", 40) + strings.Repeat("z", 10)
	got := Tail(s, 10)
	if !strings.HasSuffix(got, "zzzzzzzzzz") {
		t.Errorf("tail not kept: %q", got)
	}
	if !strings.Contains(got, "last 10 of 50 chars") {
		t.Errorf("marker wrong: %q", got)
	}
	if Tail("ok", 10) != "ok" {
		t.Errorf("short string should be unchanged")
	}
}

func TestHead(t *testing.T) {
	s := strings.Repeat("y", 50)
	got := Head(s, 10)
	if !strings.HasPrefix(got, "yyyyyyyyyy") {
		t.Errorf("head not kept")
	}
	if !strings.Contains(got, "10 of 50 chars") {
		t.Errorf("marker wrong: %q", got)
	}
	if Head("ok", 10) != "ok" {
		t.Errorf("short string should be unchanged")
	}
}
