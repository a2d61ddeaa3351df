package money

import "testing"

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one cedi", "1.00", 100},
		{"fifty pesewas", "0.50", 50},
		{"hundred", "100", 10_000},
		{"smallest unit", "0.01", 1},
		{"no frac", "1", 100},
		{"short frac", "1.5", 150},
		{"large amount", "999999.99", 99_999_999},
		{"leading zeros in whole", "007.50", 750},
		{"surrounding whitespace", " 30.00 ", 3_000},
		{"empty string", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"explicit plus", "+1.00"},
		{"two dots", "1.0.0"},
		{"letters", "abc"},
		{"mixed", "1.2a"},
		{"three decimals", "1.005"},
		{"lone dot", "."},
		{"overflow", "999999999999999999999.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input); ok {
				t.Errorf("Parse(%q) returned ok=true, want false", tt.input)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{"zero", 0, "0.00"},
		{"one pesewa", 1, "0.01"},
		{"one cedi", 100, "1.00"},
		{"thirty fifty", 3050, "30.50"},
		{"negative", -3050, "-30.50"},
		{"large", 99_999_999, "999999.99"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseFormat_RoundTrip(t *testing.T) {
	for _, amount := range []int64{0, 1, 99, 100, 3050, 1_000_000} {
		s := Format(amount)
		got, ok := Parse(s)
		if !ok || got != amount {
			t.Errorf("round trip %d -> %q -> %d (ok=%v)", amount, s, got, ok)
		}
	}
}
