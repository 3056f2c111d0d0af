package validator

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/rsclarke/flashguard/internal/calibration"
	"github.com/rsclarke/flashguard/internal/profile"
)

type cacheInterface interface {
	Get(key any) (value any, ok bool)
	Add(key, value any)
	Len() int
}

type noCache struct{}

func (noCache) Get(any) (any, bool) { return nil, false }
func (noCache) Add(any, any)        {}
func (noCache) Len() int            { return 0 }

// Cache memoises verdicts by the canonical JSON of payload, profile and
// policy. A size of zero disables caching.
type Cache struct {
	validator *Validator
	cache     cacheInterface
}

// NewCache wraps v with a 2Q cache holding up to size verdicts.
func NewCache(v *Validator, size int) (*Cache, error) {
	var cache cacheInterface = noCache{}
	if size > 0 {
		c, err := lru.New2Q(size)
		if err != nil {
			return nil, fmt.Errorf("create verdict cache: %w", err)
		}
		cache = c
	}
	return &Cache{validator: v, cache: cache}, nil
}

// Policy returns the policy of the wrapped validator.
func (c *Cache) Policy() Policy { return c.validator.Policy }

// Len returns the number of cached verdicts.
func (c *Cache) Len() int { return c.cache.Len() }

// Validate returns the cached verdict for the input, computing it on a miss.
func (c *Cache) Validate(p *calibration.Payload, prof profile.Profile) Result {
	key, err := c.key(p, prof)
	if err != nil {
		return c.validator.Validate(p, prof)
	}
	if v, ok := c.cache.Get(key); ok {
		return v.(Result).clone()
	}
	res := c.validator.Validate(p, prof)
	c.cache.Add(key, res.clone())
	return res
}

func (c *Cache) key(p *calibration.Payload, prof profile.Profile) (string, error) {
	raw, err := json.Marshal(struct {
		Payload *calibration.Payload `json:"payload"`
		Profile profile.Profile      `json:"profile"`
		Policy  Policy               `json:"policy"`
	}{p, prof, c.validator.Policy})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return string(sum[:]), nil
}
