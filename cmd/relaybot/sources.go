package main

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/relaybot-data/relaybot/internal/monitoring"
)

// irState holds the latest IR proximity reading for the motion controller.
type irState struct {
	mu    sync.Mutex
	value float64
	seen  bool
}

func newIRState() *irState { return &irState{} }

func (s *irState) set(metres float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = metres
	s.seen = true
}

func (s *irState) get() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.seen
}

// fifoSource reads decoded QR payloads, one JSON object per line, from a
// named pipe fed by the external QR decoder process.
type fifoSource struct {
	path string
}

func newFifoSource(path string) *fifoSource {
	return &fifoSource{path: path}
}

// NextPayload blocks until a line arrives or the context ends. The pipe is
// reopened per capture so a decoder restart between deliveries is harmless.
func (f *fifoSource) NextPayload(ctx context.Context) ([]byte, error) {
	type lineResult struct {
		data []byte
		err  error
	}
	ch := make(chan lineResult, 1)

	go func() {
		file, err := os.Open(f.path)
		if err != nil {
			ch <- lineResult{err: err}
			return
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		if scanner.Scan() {
			ch <- lineResult{data: append([]byte(nil), scanner.Bytes()...)}
			return
		}
		if err := scanner.Err(); err != nil {
			ch <- lineResult{err: err}
			return
		}
		ch <- lineResult{err: os.ErrClosed}
	}()

	select {
	case <-ctx.Done():
		monitoring.Debugf("qr: capture cancelled")
		return nil, ctx.Err()
	case r := <-ch:
		return r.data, r.err
	}
}
