// Package registry holds the catalog of known locations and resolves the
// target list for a crawl.
package registry

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/vnenv/envcrawler/internal/crawler"
)

//go:embed locations.yaml
var defaultCatalog []byte

// Filter narrows the resolved location list.
type Filter struct {
	// IDs restricts the result to these location ids. Unknown ids are an error.
	IDs []string
	// Provinces restricts the result to locations in these provinces
	// (case-insensitive).
	Provinces []string
	// Limit caps the number of locations returned; zero means no cap.
	Limit int
}

// Registry is an immutable, ordered set of locations.
type Registry struct {
	locations []crawler.Location
	byID      map[string]int
}

type catalogFile struct {
	Locations []crawler.Location `yaml:"locations"`
}

// Default returns the built-in Vietnamese catalog.
func Default() (*Registry, error) {
	return Parse(defaultCatalog)
}

// Load reads a YAML (or JSON) catalog from disk. An empty path yields the
// built-in catalog.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Registry, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(doc.Locations)
}

// New builds a Registry, assigning slug ids and default domains where
// missing. Insertion order is preserved.
func New(locations []crawler.Location) (*Registry, error) {
	r := &Registry{
		locations: make([]crawler.Location, 0, len(locations)),
		byID:      make(map[string]int, len(locations)),
	}
	for i, loc := range locations {
		if strings.TrimSpace(loc.Name) == "" {
			return nil, fmt.Errorf("location %d: name is required", i)
		}
		if loc.ID == "" {
			loc.ID = Slug(loc.Name)
		}
		if _, dup := r.byID[loc.ID]; dup {
			return nil, fmt.Errorf("duplicate location id %q", loc.ID)
		}
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
			return nil, fmt.Errorf("location %q: coordinates out of range", loc.ID)
		}
		if len(loc.Domains) == 0 {
			loc.Domains = crawler.AllDomains()
		} else {
			loc.Domains = slices.Clone(loc.Domains)
			for j, d := range loc.Domains {
				parsed, err := crawler.ParseDomain(string(d))
				if err != nil {
					return nil, fmt.Errorf("location %q: %w", loc.ID, err)
				}
				loc.Domains[j] = parsed
			}
		}
		r.byID[loc.ID] = len(r.locations)
		r.locations = append(r.locations, loc)
	}
	return r, nil
}

// Len returns the number of known locations.
func (r *Registry) Len() int {
	return len(r.locations)
}

// All returns every location in catalog order.
func (r *Registry) All() []crawler.Location {
	out := make([]crawler.Location, len(r.locations))
	for i, loc := range r.locations {
		out[i] = cloneLocation(loc)
	}
	return out
}

// Get looks up a location by id.
func (r *Registry) Get(id string) (crawler.Location, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return crawler.Location{}, false
	}
	return cloneLocation(r.locations[idx]), true
}

// Resolve returns the locations applicable to domain that match the filter,
// in catalog order. Any unknown id in the filter fails the whole call with
// *crawler.UnknownLocationError. Known locations not applicable to the
// domain are excluded silently.
func (r *Registry) Resolve(domain crawler.Domain, filter Filter) ([]crawler.Location, error) {
	var wantIDs map[string]struct{}
	if len(filter.IDs) > 0 {
		wantIDs = make(map[string]struct{}, len(filter.IDs))
		var missing []string
		for _, id := range filter.IDs {
			if _, ok := r.byID[id]; !ok {
				missing = append(missing, id)
				continue
			}
			wantIDs[id] = struct{}{}
		}
		if len(missing) > 0 {
			return nil, &crawler.UnknownLocationError{IDs: missing}
		}
	}
	var provinces map[string]struct{}
	if len(filter.Provinces) > 0 {
		provinces = make(map[string]struct{}, len(filter.Provinces))
		for _, p := range filter.Provinces {
			provinces[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
		}
	}

	out := make([]crawler.Location, 0, len(r.locations))
	for _, loc := range r.locations {
		if !loc.Supports(domain) {
			continue
		}
		if wantIDs != nil {
			if _, ok := wantIDs[loc.ID]; !ok {
				continue
			}
		}
		if provinces != nil {
			if _, ok := provinces[strings.ToLower(loc.Province)]; !ok {
				continue
			}
		}
		out = append(out, cloneLocation(loc))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Slug lowercases a name and joins its alphanumeric runs with dashes.
func Slug(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			dash = false
			continue
		}
		dash = true
	}
	return b.String()
}

func cloneLocation(l crawler.Location) crawler.Location {
	l.AltNames = slices.Clone(l.AltNames)
	l.Domains = slices.Clone(l.Domains)
	return l
}
