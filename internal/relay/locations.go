package relay

import (
	"cmp"
	"slices"
)

// RelayList is the relay list grouped by country and city.
type RelayList struct {
	Countries []Country `json:"countries"`
}

type Country struct {
	Code   string `json:"code"`
	Cities []City `json:"cities"`
}

type City struct {
	Code   string  `json:"code"`
	Relays []Relay `json:"relays"`
}

// Locations groups relays by country and city, both sorted by code, with
// the relays of a city sorted by hostname. Inactive relays are included.
func Locations(relays []Relay) RelayList {
	sorted := slices.Clone(relays)
	slices.SortFunc(sorted, func(a, b Relay) int {
		return cmp.Or(
			cmp.Compare(a.Country, b.Country),
			cmp.Compare(a.City, b.City),
			cmp.Compare(a.Hostname, b.Hostname),
		)
	})

	list := RelayList{Countries: []Country{}}
	for _, r := range sorted {
		n := len(list.Countries)
		if n == 0 || list.Countries[n-1].Code != r.Country {
			list.Countries = append(list.Countries, Country{Code: r.Country})
			n++
		}
		country := &list.Countries[n-1]
		m := len(country.Cities)
		if m == 0 || country.Cities[m-1].Code != r.City {
			country.Cities = append(country.Cities, City{Code: r.City})
			m++
		}
		country.Cities[m-1].Relays = append(country.Cities[m-1].Relays, r)
	}
	return list
}

// Locations returns the current relay list grouped by location.
func (s *Selector) Locations() RelayList {
	return Locations(s.Relays())
}
