package validation

import (
	"errors"
	"unicode/utf8"
)

// Field bounds mirrored by the form inputs (minlength on city, maxlength on country).
const (
	CityMinLength    = 2
	CountryMaxLength = 2
)

// ErrCityEmpty is returned when the city field is empty.
var ErrCityEmpty = errors.New("city is required")

// ErrCityTooShort is returned when the city has fewer than CityMinLength runes.
var ErrCityTooShort = errors.New("city too short")

// ErrCountryEmpty is returned when the country field is empty.
var ErrCountryEmpty = errors.New("country is required")

// ErrCountryTooLong is returned when the country exceeds CountryMaxLength runes.
var ErrCountryTooLong = errors.New("country too long")

// CanSubmit reports whether the submit control is enabled: both fields
// non-empty, regardless of whether their content is otherwise valid.
func CanSubmit(city, country string) bool {
	return city != "" && country != ""
}

// ValidateQuery enforces the same length bounds as the form inputs.
// Values are not trimmed or normalized; key derivation happens in the query package.
// The country code convention (ISO 3166 alpha-2) is implied by the length bound only.
func ValidateQuery(city, country string) error {
	if city == "" {
		return ErrCityEmpty
	}
	if country == "" {
		return ErrCountryEmpty
	}
	if utf8.RuneCountInString(city) < CityMinLength {
		return ErrCityTooShort
	}
	if utf8.RuneCountInString(country) > CountryMaxLength {
		return ErrCountryTooLong
	}
	return nil
}
