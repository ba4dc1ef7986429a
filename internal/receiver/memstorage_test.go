package receiver

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// memStorage is an in-memory Storage used by tests, mirroring FileStorage's
// create/finalize/abort contract without touching a real filesystem.
type memStorage struct {
	mu        sync.Mutex
	buffers   map[uint16]*bytes.Buffer
	finalized map[uint16]bool
	aborted   map[uint16]bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		buffers:   make(map[uint16]*bytes.Buffer),
		finalized: make(map[uint16]bool),
		aborted:   make(map[uint16]bool),
	}
}

type memSink struct {
	connID  uint16
	storage *memStorage
	buf     *bytes.Buffer
}

func (s *memSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	return nil
}

func (m *memStorage) Create(connID uint16) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := &bytes.Buffer{}
	m.buffers[connID] = buf
	return &memSink{connID: connID, storage: m, buf: buf}, nil
}

func (m *memStorage) Finalize(connID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[connID]; !ok {
		return fmt.Errorf("memstorage: finalize unknown connection %d", connID)
	}
	m.finalized[connID] = true
	return nil
}

func (m *memStorage) Abort(connID uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted[connID] = true
	return nil
}

func (m *memStorage) contents(connID uint16) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[connID]
	if !ok {
		return nil
	}
	return buf.Bytes()
}
