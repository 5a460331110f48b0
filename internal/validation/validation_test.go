package validation

import (
	"errors"
	"testing"
)

func TestCanSubmit(t *testing.T) {
	tests := []struct {
		name          string
		city, country string
		want          bool
	}{
		{"both empty", "", "", false},
		{"city empty", "", "GB", false},
		{"country empty", "London", "", false},
		{"both set", "London", "GB", true},
		{"too short city still enables", "L", "GB", true},
		{"too long country still enables", "London", "GBR", true},
		{"whitespace counts as content", " ", " ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanSubmit(tt.city, tt.country); got != tt.want {
				t.Errorf("CanSubmit(%q, %q) = %v, want %v", tt.city, tt.country, got, tt.want)
			}
		})
	}
}

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name          string
		city, country string
		wantErr       error
	}{
		{"valid", "London", "GB", nil},
		{"minimum city length", "Ai", "FR", nil},
		{"single letter country", "Oslo", "N", nil},
		{"unicode city", "Zürich", "CH", nil},
		{"empty city", "", "GB", ErrCityEmpty},
		{"empty country", "London", "", ErrCountryEmpty},
		{"short city", "L", "GB", ErrCityTooShort},
		{"short unicode city", "Å", "NO", ErrCityTooShort},
		{"long country", "London", "GBR", ErrCountryTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuery(tt.city, tt.country)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateQuery(%q, %q) error = %v, want nil", tt.city, tt.country, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateQuery(%q, %q) error = %v, want %v", tt.city, tt.country, err, tt.wantErr)
			}
		})
	}
}
