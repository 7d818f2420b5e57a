// Package index holds helpers shared by the syllabus.Index implementations.
package index

import (
	"context"
	"fmt"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Prune drops all but the newest keep non-live generations of locale and
// returns the dropped ids. The live generation is never counted or dropped.
func Prune(ctx context.Context, idx syllabus.Index, locale syllabus.Locale, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	gens, err := idx.Generations(ctx, locale)
	if err != nil {
		return nil, fmt.Errorf("prune %s: %w", locale, err)
	}
	idle := make([]syllabus.Generation, 0, len(gens))
	for _, g := range gens {
		if !g.Live {
			idle = append(idle, g)
		}
	}
	if len(idle) <= keep {
		return nil, nil
	}
	dropped := []string{}
	for _, g := range idle[:len(idle)-keep] {
		if err := idx.Drop(ctx, locale, g.ID); err != nil {
			return dropped, fmt.Errorf("prune %s: %w", locale, err)
		}
		dropped = append(dropped, g.ID)
	}
	return dropped, nil
}
