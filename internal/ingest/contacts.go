package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sells-group/commsync/internal/model"
	"github.com/sells-group/commsync/internal/store"
)

// contactCache memoizes phone -> contact resolution. Contacts are never
// deleted by this subsystem, so a cached id stays valid.
type contactCache struct {
	store store.Store
	cache *cache.Cache
}

func newContactCache(st store.Store, ttl time.Duration) *contactCache {
	return &contactCache{
		store: st,
		cache: cache.New(ttl, 2*ttl),
	}
}

func (c *contactCache) resolve(ctx context.Context, phone, name string, source model.Source) (*model.Contact, error) {
	key := model.NormalizePhone(phone)
	if v, ok := c.cache.Get(key); ok {
		contact := v.(*model.Contact)
		if name == "" || contact.DisplayName != "" {
			return contact, nil
		}
	}

	// Known contacts are served by a read so only first sightings and
	// name backfills take the write path.
	contact, err := c.store.GetContactByPhone(ctx, phone)
	switch {
	case err == nil && (name == "" || contact.DisplayName != ""):
		c.cache.Set(key, contact, cache.DefaultExpiration)
		return contact, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	contact, err = c.store.ResolveContact(ctx, phone, name, source)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, contact, cache.DefaultExpiration)
	return contact, nil
}
