package state

import (
	"strings"
	"testing"
	"time"
)

func TestOperation_String(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpPut, "put"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		got := tt.op.String()
		if got != tt.want {
			t.Errorf("Operation(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid simple", "scheduler", nil},
		{"valid dotted", "singleton.scheduler", nil},
		{"empty", "", ErrInvalidKey},
		{"contains space", "singleton scheduler", ErrInvalidKey},
		{"leading dot", ".singleton", ErrInvalidKey},
		{"trailing dot", "singleton.", ErrInvalidKey},
		{"too long", strings.Repeat("a", 1025), ErrInvalidKey},
		{"max length", strings.Repeat("a", 1024), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTTL(t *testing.T) {
	if err := ValidateTTL(0); err != nil {
		t.Errorf("zero TTL should be valid, got %v", err)
	}
	if err := ValidateTTL(time.Second); err != nil {
		t.Errorf("positive TTL should be valid, got %v", err)
	}
	if err := ValidateTTL(-time.Second); err != ErrInvalidTTL {
		t.Errorf("negative TTL should be invalid, got %v", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"singleton.*", "singleton.scheduler", true},
		{"singleton.*", "other.scheduler", false},
		{"singleton.scheduler", "singleton.scheduler", true},
		{"singleton.scheduler", "singleton.schedulers", false},
	}

	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}
