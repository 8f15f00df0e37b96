package protocol

import (
	"context"
	"io"
)

// Feeder produces records. It follows the io.Reader EOF convention: the
// last batch may come together with the error.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer consumes records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

// Traced names a connection in logs.
type Traced interface {
	GetTraceId() string
}

// FeedDrainCloserTraced is one side of a connection: Feed gives what is
// to be written to the peer, Drain takes what the peer sent.
type FeedDrainCloserTraced interface {
	Feeder
	Drainer
	io.Closer
	Traced
}
