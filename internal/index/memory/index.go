// Package memory implements syllabus.Index in process memory for local runs
// and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// ErrLiveGeneration is returned when dropping the published generation.
var ErrLiveGeneration = errors.New("generation is live")

type generationKey struct {
	locale     syllabus.Locale
	generation string
}

// Index keeps every generation as a map of documents.
type Index struct {
	mu          sync.RWMutex
	generations map[generationKey]map[int]syllabus.SubjectEntity
	live        map[syllabus.Locale]string
	publishes   []generationKey
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		generations: map[generationKey]map[int]syllabus.SubjectEntity{},
		live:        map[syllabus.Locale]string{},
	}
}

// Ensure creates the generation if missing.
func (x *Index) Ensure(_ context.Context, locale syllabus.Locale, generation string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := generationKey{locale, generation}
	if _, ok := x.generations[key]; !ok {
		x.generations[key] = map[int]syllabus.SubjectEntity{}
	}
	return nil
}

// Upsert stores entity in an existing generation.
func (x *Index) Upsert(
	_ context.Context,
	locale syllabus.Locale,
	generation string,
	key int,
	entity syllabus.SubjectEntity,
) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	docs, ok := x.generations[generationKey{locale, generation}]
	if !ok {
		return &syllabus.PublishError{Op: "upsert", Locale: locale, Generation: generation, Err: syllabus.ErrNotFound}
	}
	docs[key] = entity
	return nil
}

// Publish points the locale at generation.
func (x *Index) Publish(_ context.Context, locale syllabus.Locale, generation string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := generationKey{locale, generation}
	if _, ok := x.generations[key]; !ok {
		return &syllabus.PublishError{Op: "alias", Locale: locale, Generation: generation, Err: syllabus.ErrNotFound}
	}
	x.live[locale] = generation
	x.publishes = append(x.publishes, key)
	return nil
}

// Get reads a document from the live or a named generation.
func (x *Index) Get(
	_ context.Context,
	locale syllabus.Locale,
	revision string,
	key int,
) (syllabus.SubjectEntity, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	generation := revision
	if revision == "" || revision == syllabus.RevisionLatest {
		generation = x.live[locale]
	}
	entity, ok := x.generations[generationKey{locale, generation}][key]
	if !ok {
		return syllabus.SubjectEntity{}, fmt.Errorf("get %s/%s/%d: %w", locale, revision, key, syllabus.ErrNotFound)
	}
	return entity, nil
}

// Generations lists the locale's generations ordered by id.
func (x *Index) Generations(_ context.Context, locale syllabus.Locale) ([]syllabus.Generation, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := []syllabus.Generation{}
	for key, docs := range x.generations {
		if key.locale != locale {
			continue
		}
		out = append(out, syllabus.Generation{
			Locale:    locale,
			ID:        key.generation,
			Index:     string(locale) + "-" + key.generation,
			Documents: int64(len(docs)),
			Live:      x.live[locale] == key.generation,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Drop removes a generation unless it is live.
func (x *Index) Drop(_ context.Context, locale syllabus.Locale, generation string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := generationKey{locale, generation}
	if x.live[locale] == generation {
		return fmt.Errorf("drop %s/%s: %w", locale, generation, ErrLiveGeneration)
	}
	if _, ok := x.generations[key]; !ok {
		return fmt.Errorf("drop %s/%s: %w", locale, generation, syllabus.ErrNotFound)
	}
	delete(x.generations, key)
	return nil
}

// Live returns the published generation of locale.
func (x *Index) Live(locale syllabus.Locale) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.live[locale]
}

// PublishOrder returns the locales in the order they were published.
func (x *Index) PublishOrder() []syllabus.Locale {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]syllabus.Locale, 0, len(x.publishes))
	for _, p := range x.publishes {
		out = append(out, p.locale)
	}
	return out
}
