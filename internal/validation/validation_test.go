package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"ord_a1b2c3d4e5f60718293a4b5c", true},
		{"led_000000000000000000000000", true},
		{"sub_ffffffffffffffffffffffff", true},

		// Invalid cases
		{"a1b2c3d4e5f60718293a4b5c", false},      // No prefix
		{"ord_a1b2c3", false},                    // Too short
		{"ord_A1B2C3D4E5F60718293A4B", false},    // Uppercase hex
		{"ORD_a1b2c3d4e5f60718293a4b5c", false},  // Uppercase prefix
		{"ord-a1b2c3d4e5f60718293a4b5c", false},  // Wrong separator
		{"", false},
		{"ord_", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
		{"", 10, ""},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("name", ""),
		Required("email", "test@example.com"),
		MaxLength("bio", "short", 100),
	)

	if len(errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(errors))
	}
	if errors[0].Field != "name" {
		t.Errorf("expected error on 'name', got %q", errors[0].Field)
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		amount string
		valid  bool
	}{
		{"1.50", true},
		{"100", true},
		{"0.01", true},
		{"999999.99", true},
		{"", true}, // empty handled by Required

		{"0", false},
		{"0.00", false},
		{"-1.50", false},
		{"1.005", false},
		{"1.2.3", false},
		{".50", false},
		{"1.", false},
		{"abc", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.amount)()
		if tc.valid && err != nil {
			t.Errorf("ValidAmount(%q) = %v, want nil", tc.amount, err)
		}
		if !tc.valid && err == nil {
			t.Errorf("ValidAmount(%q) = nil, want error", tc.amount)
		}
	}
}
