// Package sounds caches the small audio assets played into calls, such as
// the hang-up tone heard before a model-initiated disconnect. Assets live
// in the object store as raw audio in each supported call format and are
// fetched once per process.
package sounds

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/callyx-ai/callyx/internal/storage"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// Sound is one cached asset, ready to inject into a call's downlink.
type Sound struct {
	B64 string
	Ms  int
}

// storageKey maps an asset name and call format to its object key.
func storageKey(name string, f audio.Format) string {
	switch f {
	case audio.FormatPCM16:
		return fmt.Sprintf("sounds/%s_24k.pcm", name)
	default:
		return fmt.Sprintf("sounds/%s_8k.%s", name, string(f)[5:])
	}
}

// HangUpTone is the asset played before a model-initiated hang-up.
const HangUpTone = "hang_up"

// Cache lazily loads assets from the object store. Safe for concurrent
// use; a failed fetch is retried on the next request.
type Cache struct {
	files storage.FileStore

	mu      sync.Mutex
	entries map[string]Sound
}

func NewCache(files storage.FileStore) *Cache {
	return &Cache{files: files, entries: make(map[string]Sound)}
}

// Get returns the named asset in the given call format.
func (c *Cache) Get(ctx context.Context, name string, f audio.Format) (Sound, error) {
	key := storageKey(name, f)
	c.mu.Lock()
	s, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return s, nil
	}

	raw, err := c.files.Download(ctx, key)
	if err != nil {
		return Sound{}, fmt.Errorf("sounds: load %s: %w", key, err)
	}
	s = Sound{
		B64: base64.StdEncoding.EncodeToString(raw),
		Ms:  f.BytesToMs(len(raw)),
	}
	c.mu.Lock()
	c.entries[key] = s
	c.mu.Unlock()
	return s, nil
}
