package guild

import (
	"errors"
	"strings"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   *string
		wantErr bool
	}{
		{"nil", nil, false},
		{"empty after trim", ptr("   "), true},
		{"one char", ptr("A"), false},
		{"100 chars", ptr(strings.Repeat("a", 100)), false},
		{"101 chars", ptr(strings.Repeat("a", 101)), true},
		{"whitespace padded valid", ptr("  hello  "), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && tt.wantErr && !errors.Is(err, ErrNameLength) {
				t.Errorf("ValidateName(%v) error = %v, want ErrNameLength", tt.input, err)
			}
		})
	}

	t.Run("trims whitespace in place", func(t *testing.T) {
		t.Parallel()
		name := ptr("  hello  ")
		if err := ValidateName(name); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *name != "hello" {
			t.Errorf("expected trimmed value %q, got %q", "hello", *name)
		}
	})
}

func TestValidateVisibility(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   *Visibility
		wantErr bool
	}{
		{"nil", nil, false},
		{"private", ptr(VisibilityPrivate), false},
		{"public", ptr(VisibilityPublic), false},
		{"garbage", ptr(Visibility("secret")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateVisibility(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateVisibility(%v) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && tt.wantErr && !errors.Is(err, ErrInvalidVisibility) {
				t.Errorf("ValidateVisibility(%v) error = %v, want ErrInvalidVisibility", tt.input, err)
			}
		})
	}
}
