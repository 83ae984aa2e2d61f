package sessions

import "context"

// Slot is one independent storage location holding a serialised Snapshot.
// Slots deal in raw bytes; parsing happens once, in the Repository.
type Slot interface {
	// Name identifies the slot in logs and repair reports (e.g. "primary", "backup")
	Name() string

	// Read returns the stored bytes, or ErrSlotEmpty when nothing is stored
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the stored bytes
	Write(ctx context.Context, data []byte) error

	// Remove deletes the stored bytes. Removing an empty slot is not an error.
	Remove(ctx context.Context) error
}
