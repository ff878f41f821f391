package adapter

import "context"

// Notifier delivers short operator notices (job finished, job failed).
type Notifier interface {
	Notify(ctx context.Context, text string) error
}
