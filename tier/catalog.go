// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tier holds the catalog of subscription tiers and resolves the tier
// a tenant is on.
package tier

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Name identifies a tier.
type Name int

// Known tiers, from the lowest to the highest limits. Unknown is never in a
// catalog; resolvers map it to the catalog default.
const (
	Unknown Name = iota
	Free
	Standard
	Premium
	Enterprise
	Internal
)

var names = map[Name]string{
	Free:       "free",
	Standard:   "standard",
	Premium:    "premium",
	Enterprise: "enterprise",
	Internal:   "internal",
}

// String returns the lower-case name used in storage and headers.
func (n Name) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "unknown"
}

// Parse maps a plan name to a tier, ignoring case and surrounding spaces.
// Unrecognised names return Unknown.
func Parse(s string) Name {
	s = strings.ToLower(strings.TrimSpace(s))
	for n, name := range names {
		if name == s {
			return n
		}
	}
	return Unknown
}

// MarshalYAML implements yaml.Marshaler.
func (n Name) MarshalYAML() (interface{}, error) {
	return n.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Name) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if *n = Parse(s); *n == Unknown {
		return fmt.Errorf("unknown tier %q", s)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Name) MarshalJSON() ([]byte, error) {
	if n == Unknown {
		return json.Marshal("")
	}
	return json.Marshal(n.String())
}

// UnmarshalJSON implements json.Unmarshaler. The empty string is Unknown.
func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if *n = Parse(s); *n == Unknown && s != "" {
		return fmt.Errorf("unknown tier %q", s)
	}
	return nil
}

// Tier is a named quota profile.
type Tier struct {
	Name              Name `yaml:"name"`
	RequestsPerHour   int  `yaml:"requests_per_hour"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstLimit        int  `yaml:"burst_limit"`
}

// Validate checks that every limit of the tier is positive.
func (t Tier) Validate() error {
	if t.Name == Unknown {
		return fmt.Errorf("tier has no name")
	}
	if t.RequestsPerHour <= 0 || t.RequestsPerMinute <= 0 || t.BurstLimit <= 0 {
		return fmt.Errorf("tier %s: limits must be positive, got %d/hour %d/minute burst %d",
			t.Name, t.RequestsPerHour, t.RequestsPerMinute, t.BurstLimit)
	}
	return nil
}

// Catalog is an immutable set of tiers with a default used for tenants whose
// plan is missing or unknown.
type Catalog struct {
	tiers       map[Name]Tier
	defaultTier Name
}

// DefaultTiers are the tiers of DefaultCatalog.
var DefaultTiers = []Tier{
	{Name: Free, RequestsPerHour: 100, RequestsPerMinute: 10, BurstLimit: 20},
	{Name: Standard, RequestsPerHour: 1000, RequestsPerMinute: 50, BurstLimit: 100},
	{Name: Premium, RequestsPerHour: 10000, RequestsPerMinute: 300, BurstLimit: 500},
	{Name: Enterprise, RequestsPerHour: 100000, RequestsPerMinute: 2000, BurstLimit: 3000},
	{Name: Internal, RequestsPerHour: 1000000, RequestsPerMinute: 20000, BurstLimit: 20000},
}

// DefaultCatalog returns the built-in catalog, defaulting to Free.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTiers, Free)
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog builds a catalog. The default tier must be one of tiers.
func NewCatalog(tiers []Tier, defaultTier Name) (*Catalog, error) {
	c := &Catalog{tiers: make(map[Name]Tier, len(tiers)), defaultTier: defaultTier}
	for _, t := range tiers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tiers[t.Name]; dup {
			return nil, fmt.Errorf("tier %s defined twice", t.Name)
		}
		c.tiers[t.Name] = t
	}
	if _, ok := c.tiers[defaultTier]; !ok {
		return nil, fmt.Errorf("default tier %s is not in the catalog", defaultTier)
	}
	return c, nil
}

// Default returns the default tier.
func (c *Catalog) Default() Tier {
	return c.tiers[c.defaultTier]
}

// Lookup returns the tier named n, if it is in the catalog.
func (c *Catalog) Lookup(n Name) (Tier, bool) {
	t, ok := c.tiers[n]
	return t, ok
}

// Get returns the tier named n, or the default tier.
func (c *Catalog) Get(n Name) Tier {
	if t, ok := c.tiers[n]; ok {
		return t
	}
	return c.Default()
}

// Tiers returns the catalog's tiers ordered from the lowest to the highest.
func (c *Catalog) Tiers() []Tier {
	ret := make([]Tier, 0, len(c.tiers))
	for n := Free; n <= Internal; n++ {
		if t, ok := c.tiers[n]; ok {
			ret = append(ret, t)
		}
	}
	return ret
}

// Upgrade returns the next tier above n offering a higher hourly limit, if
// any. Internal is never offered as an upgrade.
func (c *Catalog) Upgrade(n Name) (Tier, bool) {
	cur := c.Get(n)
	for next := cur.Name + 1; next < Internal; next++ {
		if t, ok := c.tiers[next]; ok && t.RequestsPerHour > cur.RequestsPerHour {
			return t, true
		}
	}
	return Tier{}, false
}

type catalogFile struct {
	Default Name   `yaml:"default"`
	Tiers   []Tier `yaml:"tiers"`
}

// ParseCatalog parses a YAML catalog:
//
//	default: free
//	tiers:
//	- name: free
//	  requests_per_hour: 100
//	  requests_per_minute: 10
//	  burst_limit: 20
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tier catalog: %v", err)
	}
	if f.Default == Unknown {
		f.Default = Free
	}
	return NewCatalog(f.Tiers, f.Default)
}

// LoadCatalog reads a YAML catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}
