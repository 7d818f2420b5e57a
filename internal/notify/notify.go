// Package notify fans subject change notifications out to the configured
// channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/syllabus-indexer/internal/syllabus"
)

// Message renders the chat line announcing a change.
func Message(change syllabus.Change) string {
	return fmt.Sprintf("シラバスが更新されました: [%s](%s)", change.Title, change.URL)
}

// Multi delivers to every notifier and joins their errors.
type Multi []syllabus.Notifier

// Notify implements syllabus.Notifier.
func (m Multi) Notify(ctx context.Context, change syllabus.Change) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every notification.
type Discard struct{}

// Notify implements syllabus.Notifier.
func (Discard) Notify(context.Context, syllabus.Change) error { return nil }
