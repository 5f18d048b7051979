// Copyright (C) 2025 AvisosHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package segmentid derives stable identifiers for publish-cache segments.
//
// A segment is the cache unit for one (country, category) pair. Its
// identifier is derived from the two display names and is stable across
// casing and punctuation variance. Two display names that sanitize to the
// same identifier are treated as the same segment; the mapping does not
// attempt to detect such collisions.
package segmentid

import "strings"

const prefix = "publish"

// Sanitize lower-cases the name, replaces every character outside [a-z0-9]
// with '_', collapses runs of '_', and trims leading/trailing '_'.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

// TableName returns the segment identifier for a country and category
// display name, of the form "publish_<country>_<category>". It is pure and
// idempotent: equal inputs (up to casing and punctuation) always produce
// the same identifier.
func TableName(countryName, categoryName string) string {
	return prefix + "_" + Sanitize(countryName) + "_" + Sanitize(categoryName)
}
