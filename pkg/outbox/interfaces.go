package outbox

import "context"

type Dispatcher interface {
	Dispatch(ctx context.Context, msg DispatchedMessage) error
}

// Preparer is implemented by dispatchers that need one-time setup (for
// example declaring a broker exchange) before the first dispatch.
type Preparer interface {
	Prepare(ctx context.Context) error
}
