package pgq

import "context"

type taskKey struct{}

// WithTask returns a context carrying d as the current task.
func WithTask(ctx context.Context, d *Delivery) context.Context {
	return context.WithValue(ctx, taskKey{}, d)
}

// CurrentTask returns the delivery being processed by the calling handler.
func CurrentTask(ctx context.Context) (*Delivery, bool) {
	d, ok := ctx.Value(taskKey{}).(*Delivery)
	return d, ok
}
