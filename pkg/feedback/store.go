package feedback

import "context"

// Store is the durable record store for feedback sessions. Update applies
// the mutator under the store's guard so near-simultaneous writers (a
// status callback racing the relay finalizer) cannot overwrite a terminal
// state with a non-terminal one.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, mutate func(*Session) error) (*Session, error)
	Health() error
	Close() error
}
