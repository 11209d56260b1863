package relay

import "context"

// Order controls result ordering for EventStore.Query.
type Order int

const (
	OrderAsc Order = iota
	OrderDesc
)

// EventStore is the persistent event store the connector relies on for
// dedup, deletion checks, and negentropy items. Storage itself belongs
// to the host application; every method may block and every failure
// bubbles as a database error.
type EventStore interface {
	HasEventIDBeenDeleted(ctx context.Context, id string) (bool, error)
	HasCoordinateBeenDeleted(ctx context.Context, coord Coordinate, since Timestamp) (bool, error)
	HasEventAlreadyBeenSeen(ctx context.Context, id string) (bool, error)
	HasEventAlreadyBeenSaved(ctx context.Context, id string) (bool, error)
	EventIDSeen(ctx context.Context, id string, relayURL string) error
	SaveEvent(ctx context.Context, e *Event) error
	EventByID(ctx context.Context, id string) (*Event, error)
	Query(ctx context.Context, filters []Filter, order Order) ([]*Event, error)
	NegentropyItems(ctx context.Context, filter Filter) ([]NegentropyItem, error)
}

// NegentropyItem is one (id, timestamp) pair from the local store,
// fed to the negentropy sketch.
type NegentropyItem struct {
	ID        string
	Timestamp Timestamp
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return wrapErr(KindDatabase, op, err)
}
