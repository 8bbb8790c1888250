package event

import (
	"context"
	"errors"
)

// Publisher delivers a batch of events. Events of one batch come from a
// single commit and must be delivered in order.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, events []Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// Fanout delivers every batch to each publisher in turn. One failing
// publisher does not stop delivery to the others.
type Fanout []Publisher

// Publish implements Publisher. It returns the joined errors of the
// publishers that failed.
func (f Fanout) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
