package selectors

import (
	"strings"

	"github.com/illmade-knight/go-refdata/pkg/goapi"
	"github.com/illmade-knight/go-refdata/pkg/refdata"
	"github.com/rs/zerolog"
)

// IsValidCountry reports whether c is usable as a selectable country: it has a
// name and an ISO3 code, is independent unless explicitly marked otherwise, and
// is not deprecated.
func IsValidCountry(c goapi.Country) bool {
	if strings.TrimSpace(c.Name) == "" {
		return false
	}
	if c.ISO3 == nil || strings.TrimSpace(*c.ISO3) == "" {
		return false
	}
	if c.Independent != nil && !*c.Independent {
		return false
	}
	return !c.IsDeprecated
}

// IsValidRegion reports whether r has a display name.
func IsValidRegion(r goapi.Region) bool {
	return strings.TrimSpace(r.RegionName) != ""
}

// IsValidDisasterType reports whether d has a name.
func IsValidDisasterType(d goapi.DisasterType) bool {
	return strings.TrimSpace(d.Name) != ""
}

// CountryIndex is the derived view of the country key.
type CountryIndex struct {
	Countries []goapi.Country
	Excluded  int
	byID      map[int]*goapi.Country
	byISO3    map[string]*goapi.Country
	byRegion  map[int][]goapi.Country
}

// RegionIndex is the derived view of the region key.
type RegionIndex struct {
	Regions  []goapi.Region
	Excluded int
	byID     map[int]*goapi.Region
}

// DisasterTypeIndex is the derived view of the disaster type key.
type DisasterTypeIndex struct {
	DisasterTypes []goapi.DisasterType
	Excluded      int
	byID          map[int]*goapi.DisasterType
}

// Selectors holds the memoized views. One Selectors is shared by every session in
// a process; versions are unique process-wide so views never collide.
//
// Returned slices and pointers are shared and must not be modified.
type Selectors struct {
	logger    zerolog.Logger
	countries *Memo[*CountryIndex]
	regions   *Memo[*RegionIndex]
	disasters *Memo[*DisasterTypeIndex]
	enums     *Memo[goapi.GlobalEnums]
}

// New creates a Selectors.
func New(logger zerolog.Logger) *Selectors {
	s := &Selectors{logger: logger.With().Str("component", "Selectors").Logger()}
	s.countries = NewMemo(refdata.KeyCountry, s.buildCountries)
	s.regions = NewMemo(refdata.KeyRegion, s.buildRegions)
	s.disasters = NewMemo(refdata.KeyDisasterType, s.buildDisasterTypes)
	s.enums = NewMemo(refdata.KeyGlobalEnums, s.buildEnums)
	return s
}

// valueOf extracts the typed value of snap, logging a mismatch once per build.
func valueOf[T any](s *Selectors, snap refdata.Snapshot) T {
	v, ok := refdata.Value[T](snap)
	if !ok && snap.Value != nil {
		s.logger.Warn().Str("key", snap.Key.String()).Uint64("version", snap.Version).Msgf("Unexpected value type %T.", snap.Value)
	}
	return v
}

func (s *Selectors) logExcluded(snap refdata.Snapshot, total, excluded int) {
	if excluded == 0 {
		return
	}
	s.logger.Debug().
		Str("key", snap.Key.String()).
		Uint64("version", snap.Version).
		Int("total", total).
		Int("excluded", excluded).
		Msg("Excluded invalid records from index.")
}

func (s *Selectors) buildCountries(snap refdata.Snapshot) *CountryIndex {
	raw := valueOf[[]goapi.Country](s, snap)
	idx := &CountryIndex{
		Countries: make([]goapi.Country, 0, len(raw)),
		byID:      make(map[int]*goapi.Country, len(raw)),
		byISO3:    make(map[string]*goapi.Country, len(raw)),
		byRegion:  make(map[int][]goapi.Country),
	}
	for _, c := range raw {
		if !IsValidCountry(c) {
			idx.Excluded++
			continue
		}
		idx.Countries = append(idx.Countries, c)
	}
	for i := range idx.Countries {
		c := &idx.Countries[i]
		idx.byID[c.ID] = c
		idx.byISO3[strings.ToUpper(strings.TrimSpace(*c.ISO3))] = c
		if c.Region != nil {
			idx.byRegion[*c.Region] = append(idx.byRegion[*c.Region], *c)
		}
	}
	s.logExcluded(snap, len(raw), idx.Excluded)
	return idx
}

func (s *Selectors) buildRegions(snap refdata.Snapshot) *RegionIndex {
	raw := valueOf[[]goapi.Region](s, snap)
	idx := &RegionIndex{
		Regions: make([]goapi.Region, 0, len(raw)),
		byID:    make(map[int]*goapi.Region, len(raw)),
	}
	for _, r := range raw {
		if !IsValidRegion(r) {
			idx.Excluded++
			continue
		}
		idx.Regions = append(idx.Regions, r)
	}
	for i := range idx.Regions {
		idx.byID[idx.Regions[i].ID] = &idx.Regions[i]
	}
	s.logExcluded(snap, len(raw), idx.Excluded)
	return idx
}

func (s *Selectors) buildDisasterTypes(snap refdata.Snapshot) *DisasterTypeIndex {
	raw := valueOf[[]goapi.DisasterType](s, snap)
	idx := &DisasterTypeIndex{
		DisasterTypes: make([]goapi.DisasterType, 0, len(raw)),
		byID:          make(map[int]*goapi.DisasterType, len(raw)),
	}
	for _, d := range raw {
		if !IsValidDisasterType(d) {
			idx.Excluded++
			continue
		}
		idx.DisasterTypes = append(idx.DisasterTypes, d)
	}
	for i := range idx.DisasterTypes {
		idx.byID[idx.DisasterTypes[i].ID] = &idx.DisasterTypes[i]
	}
	s.logExcluded(snap, len(raw), idx.Excluded)
	return idx
}

func (s *Selectors) buildEnums(snap refdata.Snapshot) goapi.GlobalEnums {
	enums := valueOf[goapi.GlobalEnums](s, snap)
	if enums == nil {
		enums = goapi.GlobalEnums{}
	}
	return enums
}

// CountryView returns the whole country view, including the excluded count.
func (s *Selectors) CountryView(snap refdata.Snapshot) (*CountryIndex, bool) {
	return s.countries.Get(snap)
}

// Countries returns every valid country.
func (s *Selectors) Countries(snap refdata.Snapshot) ([]goapi.Country, bool) {
	idx, ok := s.countries.Get(snap)
	if !ok {
		return nil, false
	}
	return idx.Countries, true
}

// CountryByID looks up a valid country by its numeric id.
func (s *Selectors) CountryByID(snap refdata.Snapshot, id int) (*goapi.Country, bool) {
	idx, ok := s.countries.Get(snap)
	if !ok {
		return nil, false
	}
	c, ok := idx.byID[id]
	return c, ok
}

// CountryByISO3 looks up a valid country by ISO3 code, case-insensitively.
func (s *Selectors) CountryByISO3(snap refdata.Snapshot, iso3 string) (*goapi.Country, bool) {
	idx, ok := s.countries.Get(snap)
	if !ok {
		return nil, false
	}
	c, ok := idx.byISO3[strings.ToUpper(strings.TrimSpace(iso3))]
	return c, ok
}

// CountriesByRegion returns the valid countries of a region. A loaded snapshot
// with no countries in the region yields an empty, non-nil slice.
func (s *Selectors) CountriesByRegion(snap refdata.Snapshot, region int) ([]goapi.Country, bool) {
	idx, ok := s.countries.Get(snap)
	if !ok {
		return nil, false
	}
	if cs, ok := idx.byRegion[region]; ok {
		return cs, true
	}
	return []goapi.Country{}, true
}

// Regions returns every valid region.
func (s *Selectors) Regions(snap refdata.Snapshot) ([]goapi.Region, bool) {
	idx, ok := s.regions.Get(snap)
	if !ok {
		return nil, false
	}
	return idx.Regions, true
}

// RegionByID looks up a valid region.
func (s *Selectors) RegionByID(snap refdata.Snapshot, id int) (*goapi.Region, bool) {
	idx, ok := s.regions.Get(snap)
	if !ok {
		return nil, false
	}
	r, ok := idx.byID[id]
	return r, ok
}

// DisasterTypes returns every valid disaster type.
func (s *Selectors) DisasterTypes(snap refdata.Snapshot) ([]goapi.DisasterType, bool) {
	idx, ok := s.disasters.Get(snap)
	if !ok {
		return nil, false
	}
	return idx.DisasterTypes, true
}

// DisasterTypeByID looks up a valid disaster type.
func (s *Selectors) DisasterTypeByID(snap refdata.Snapshot, id int) (*goapi.DisasterType, bool) {
	idx, ok := s.disasters.Get(snap)
	if !ok {
		return nil, false
	}
	d, ok := idx.byID[id]
	return d, ok
}

// EnumOptions returns the options of one global enum field. An unknown field on a
// loaded snapshot yields an empty, non-nil slice.
func (s *Selectors) EnumOptions(snap refdata.Snapshot, field string) ([]goapi.EnumOption, bool) {
	enums, ok := s.enums.Get(snap)
	if !ok {
		return nil, false
	}
	if opts, ok := enums[field]; ok && opts != nil {
		return opts, true
	}
	return []goapi.EnumOption{}, true
}

// CurrentUser returns the signed-in user.
func CurrentUser(snap refdata.Snapshot) (goapi.User, bool) {
	if snap.Key != refdata.KeyUserMe || !snap.Loaded() {
		return goapi.User{}, false
	}
	return refdata.Value[goapi.User](snap)
}
