package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty", content: "", want: 0},
		{name: "single word", content: "panel", want: 1},
		// 13 words * 1.33 = 17; 62 bytes / 4 = 15
		{name: "sentence", content: "Mina walks into the rainy street and looks up at the neon sign", want: 17},
		// 4 words * 1.33 = 5; 37 bytes / 4 = 9
		{name: "code", content: `func main() { fmt.Println("hello") }`, want: 9},
		// one word; 24 bytes / 4 = 6
		{name: "cjk", content: "你好世界欢迎光临", want: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestNewestWithin(t *testing.T) {
	// Each entry is 40 bytes, so 10 tokens.
	entry := strings.Repeat("x", 40)
	texts := []string{entry, entry, entry, entry}

	tests := []struct {
		name   string
		texts  []string
		budget int
		want   int
	}{
		{name: "no budget keeps all", texts: texts, budget: 0, want: 0},
		{name: "everything fits", texts: texts, budget: 40, want: 0},
		{name: "two newest fit", texts: texts, budget: 25, want: 2},
		{name: "newest kept when oversized", texts: texts, budget: 3, want: 3},
		{name: "empty", texts: nil, budget: 10, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewestWithin(tt.texts, tt.budget); got != tt.want {
				t.Fatalf("NewestWithin(budget=%d) = %d; want %d", tt.budget, got, tt.want)
			}
		})
	}
}
