package services

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "jane@example.com", want: "jane@example.com"},
		{input: "  Jane.Doe@Example.COM\t", want: "jane.doe@example.com"},
		{input: "a+tag@sub.example.co.uk", want: "a+tag@sub.example.co.uk"},
		{input: "", wantErr: true},
		{input: "   ", wantErr: true},
		{input: "no-at-sign", wantErr: true},
		{input: "@example.com", wantErr: true},
		{input: "jane@", wantErr: true},
		{input: "jane@localhost", wantErr: true},
		{input: "jane@example.", wantErr: true},
		{input: "jane@.com", wantErr: true},
		{input: "jane@exa..mple.com", wantErr: true},
		{input: "ja ne@example.com", wantErr: true},
		{input: "a@b@example.com", wantErr: true},
		{input: strings.Repeat("a", 250) + "@x.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeEmail(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestValidateName(t *testing.T) {
	if got, err := validateName("first_name", "  Jane "); err != nil || got != "Jane" {
		t.Errorf("expected Jane, got %q (%v)", got, err)
	}
	if _, err := validateName("first_name", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := validateName("last_name", strings.Repeat("é", 101)); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for long name, got %v", err)
	}
	if _, err := validateName("last_name", strings.Repeat("é", 100)); err != nil {
		t.Errorf("expected 100 runes to pass, got %v", err)
	}
}
