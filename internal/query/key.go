// Package query derives cache lookup keys from user-entered city and country.
package query

import "strings"

// Separator joins the city and country halves of a key. It is not escaped, so
// a city containing it can collide with another pair.
const Separator = "&"

// Key lower-cases city and country and joins them with Separator.
// Input is otherwise used as entered.
func Key(city, country string) string {
	return strings.ToLower(city) + Separator + strings.ToLower(country)
}
