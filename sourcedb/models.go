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

// Package sourcedb reads the normalized classifieds schema (countries,
// cities, neighborhoods, categories, subcategories, listings, addresses).
// That schema is owned elsewhere; everything in this package is read-only.
package sourcedb

// ListingStatusActive is the only listing status eligible for publishing.
const ListingStatusActive = "active"

type Country struct {
	ID   int64
	Name string
}

type City struct {
	ID        int64
	CountryID int64
	Name      string
}

type Neighborhood struct {
	ID     int64
	CityID int64
	Name   string
}

type Category struct {
	ID   int64
	Name string
}

type Subcategory struct {
	ID         int64
	CategoryID int64
	Name       string
}

type Listing struct {
	ID            int64
	Title         string
	Description   string
	Price         float64
	Thumbnail     *string
	SubcategoryID int64
	Status        string
}

// Address links a listing to a neighborhood and carries its raw
// coordinates. The neighborhood reference is not enforced by this package;
// a dangling id is possible and handled downstream.
type Address struct {
	ListingID      int64
	NeighborhoodID int64
	Coordinates    *string
}
