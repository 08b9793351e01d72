package localcache

import (
	"sort"
	"strings"
	"time"
)

// Profile assigns a TTL to every key that starts with Prefix, e.g. long-lived
// reference data versus short-lived search results.
type Profile struct {
	Name   string        `yaml:"name"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// profiles is ordered by descending prefix length so the most specific match wins.
type profiles []Profile

func newProfiles(in []Profile) profiles {
	out := make(profiles, 0, len(in))
	for _, p := range in {
		if p.TTL > 0 {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Prefix) > len(out[j].Prefix)
	})
	return out
}

func (ps profiles) match(key string) (Profile, bool) {
	for _, p := range ps {
		if strings.HasPrefix(key, p.Prefix) {
			return p, true
		}
	}
	return Profile{}, false
}

// TTLFor returns the TTL used for key when Put is given none.
func (c *Cache) TTLFor(key string) time.Duration {
	if p, ok := c.profiles.match(key); ok {
		return p.TTL
	}
	return c.defaultTTL
}
