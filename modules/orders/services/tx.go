package services

import "context"

// TxRunner runs fn inside a new transaction carried by the context passed to fn.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error
