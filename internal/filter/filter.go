// Package filter evaluates scan-result advertisements against the
// inclusion/exclusion filter predicates a requestDevice caller supplies.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stevennyman/webbt/internal/bleuuid"
	"github.com/stevennyman/webbt/internal/protocol"
)

// ErrMalformedFilter indicates a filter entry omits its required
// discriminator or carries an inconsistent prefix mask.
var ErrMalformedFilter = errors.New("malformed filter")

// DataFilter is a manufacturer-data or service-data filter entry. Exactly one
// of CompanyIdentifier (manufacturer data) and Service (service data) is the
// required discriminator, depending on which list the entry appears in.
type DataFilter struct {
	CompanyIdentifier *uint16           `json:"companyIdentifier,omitempty"`
	Service           string            `json:"service,omitempty"`
	DataPrefix        protocol.ByteList `json:"dataPrefix,omitempty"`
	Mask              protocol.ByteList `json:"mask,omitempty"`
}

// Filter is one requestDevice filter. All present clauses must pass for an
// advertisement to match.
type Filter struct {
	Services         []string     `json:"services,omitempty"`
	Name             string       `json:"name,omitempty"`
	NamePrefix       string       `json:"namePrefix,omitempty"`
	ManufacturerData []DataFilter `json:"manufacturerData,omitempty"`
	ServiceData      []DataFilter `json:"serviceData,omitempty"`
}

// Validate checks that every data filter entry carries its required
// discriminator, before any scanning begins.
func (f *Filter) Validate() error {
	for _, entry := range f.ManufacturerData {
		if entry.CompanyIdentifier == nil {
			return fmt.Errorf("%w: manufacturerData is missing required companyIdentifier", ErrMalformedFilter)
		}
	}
	for _, entry := range f.ServiceData {
		if entry.Service == "" {
			return fmt.Errorf("%w: serviceData is missing required service", ErrMalformedFilter)
		}
	}
	return nil
}

// matchPrefix applies the optional masked data prefix of the filter entry to
// the advertised data. A prefix longer than the data is a non-match, not an
// error; a mask whose length differs from the prefix is malformed.
func matchPrefix(entry DataFilter, data []byte) (bool, error) {
	if len(entry.DataPrefix) == 0 {
		return true, nil
	}
	if len(entry.Mask) > 0 && len(entry.Mask) != len(entry.DataPrefix) {
		return false, fmt.Errorf("%w: mask length must equal prefix length", ErrMalformedFilter)
	}
	for i, want := range entry.DataPrefix {
		if i >= len(data) {
			return false, nil
		}
		got := data[i]
		if len(entry.Mask) > 0 {
			want &= entry.Mask[i]
			got &= entry.Mask[i]
		}
		if want != got {
			return false, nil
		}
	}
	return true, nil
}

// Matches reports whether the advertisement passes every clause of the
// filter. The advertisement's serviceData entries are expected to carry
// already-normalized service UUIDs.
func Matches(f *Filter, adv *protocol.Envelope) (bool, error) {
	if len(f.Services) > 0 {
		advServices := make(map[string]struct{}, len(adv.ServiceUUIDs))
		for _, s := range adv.ServiceUUIDs {
			n, err := bleuuid.NormalizeService(s)
			if err != nil {
				return false, err
			}
			advServices[n] = struct{}{}
		}
		for _, s := range f.Services {
			n, err := bleuuid.NormalizeService(s)
			if err != nil {
				return false, err
			}
			if _, ok := advServices[n]; !ok {
				return false, nil
			}
		}
	}

	if f.Name != "" && f.Name != adv.LocalName {
		return false, nil
	}
	if f.NamePrefix != "" && (adv.LocalName == "" || !strings.HasPrefix(adv.LocalName, f.NamePrefix)) {
		return false, nil
	}

	if len(f.ManufacturerData) > 0 {
		companyMatched := false
		for _, elem := range adv.ManufacturerData {
			for _, entry := range f.ManufacturerData {
				if entry.CompanyIdentifier == nil {
					return false, fmt.Errorf("%w: manufacturerData is missing required companyIdentifier", ErrMalformedFilter)
				}
				if elem.CompanyIdentifier != *entry.CompanyIdentifier {
					continue
				}
				companyMatched = true
				ok, err := matchPrefix(entry, elem.Data)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
		}
		if !companyMatched {
			return false, nil
		}
	}

	if len(f.ServiceData) > 0 {
		serviceMatched := false
		for _, elem := range adv.ServiceData {
			for _, entry := range f.ServiceData {
				if entry.Service == "" {
					return false, fmt.Errorf("%w: serviceData is missing required service", ErrMalformedFilter)
				}
				want, err := bleuuid.NormalizeService(entry.Service)
				if err != nil {
					return false, err
				}
				got, err := bleuuid.NormalizeService(elem.Service)
				if err != nil {
					return false, err
				}
				if got != want {
					continue
				}
				serviceMatched = true
				ok, err := matchPrefix(entry, elem.Data)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
		}
		if !serviceMatched {
			return false, nil
		}
	}

	return true, nil
}

// MatchesAny reports whether any filter in the list matches.
func MatchesAny(filters []Filter, adv *protocol.Envelope) (bool, error) {
	for i := range filters {
		ok, err := Matches(&filters[i], adv)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
