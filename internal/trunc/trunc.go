// Package trunc provides the shared head/tail truncation helpers used for
// tool results and context trimming. Keeping one implementation avoids the
// three call sites drifting apart.
package trunc

import "fmt"

// HeadTail keeps the first head and last tail bytes of s, eliding the middle
// with a marker. label names the content in the marker (e.g. a tool name).
// Strings that already fit are returned unchanged.
func HeadTail(s string, head, tail int, label string) string {
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if len(s) <= head+tail {
		return s
	}
	marker := fmt.Sprintf("\n...[%s truncated: %d chars total, middle elided]...\n", label, len(s))
	return s[:head] + marker + s[len(s)-tail:]
}

// ToolResult truncates a tool result to roughly max chars using a 70% head /
// 20% tail keep strategy; the remaining 10% pays for the marker. toolName is
// recorded in the marker so the model knows which output was cut.
func ToolResult(s string, max int, toolName string) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := max * 7 / 10
	tail := max * 2 / 10
	return HeadTail(s, head, tail, "output of "+toolName)
}

// Head keeps only the first max bytes of s, appending a marker noting how
// much was dropped. Used where only the beginning matters (dispatcher tool
// feedback).
func Head(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("\n...[truncated: %d of %d chars shown]", max, len(s))
}

// Tail keeps only the last max bytes of s, prepending a marker. Used for
// transcript tails where the ending is what matters.
func Tail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return fmt.Sprintf("...[truncated: last %d of %d chars shown]\n", max, len(s)) + s[len(s)-max:]
}
