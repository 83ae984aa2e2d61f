package fakeslot

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/sessions"
)

var _ sessions.Slot = (*FakeSlot)(nil)

// FakeSlot is an in-memory slot with hooks for corrupting data and failing I/O.
type FakeSlot struct {
	name       string
	data       []byte
	writes     int
	failReads  bool
	failWrites bool
	lock       sync.RWMutex
}

func NewFakeSlot(name string) *FakeSlot {
	return &FakeSlot{name: name}
}

func (fs *FakeSlot) Name() string {
	return fs.name
}

func (fs *FakeSlot) Read(_ context.Context) ([]byte, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if fs.failReads {
		return nil, errors.New("read failed")
	}
	if fs.data == nil {
		return nil, apperrors.ErrSlotEmpty
	}
	out := make([]byte, len(fs.data))
	copy(out, fs.data)
	return out, nil
}

func (fs *FakeSlot) Write(_ context.Context, data []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if fs.failWrites {
		return errors.New("write failed")
	}
	fs.data = make([]byte, len(data))
	copy(fs.data, data)
	fs.writes++
	return nil
}

func (fs *FakeSlot) Remove(_ context.Context) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	fs.data = nil
	return nil
}

// Corrupt replaces the stored bytes without going through Write.
func (fs *FakeSlot) Corrupt(raw []byte) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.data = raw
}

func (fs *FakeSlot) Raw() []byte {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.data
}

func (fs *FakeSlot) Writes() int {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.writes
}

func (fs *FakeSlot) FailReads(fail bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.failReads = fail
}

func (fs *FakeSlot) FailWrites(fail bool) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.failWrites = fail
}
