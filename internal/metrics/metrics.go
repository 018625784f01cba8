// Package metrics tracks engine operation counters and optionally
// exposes them over HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Set is the engine's counter set. All counters are monotonic and safe
// for concurrent use. A nil *Set is valid and counts nothing, so
// components can take a Set without caring whether metrics are enabled.
type Set struct {
	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	hits         atomic.Uint64
	misses       atomic.Uint64
	evictions    atomic.Uint64
	writeBacks   atomic.Uint64
	flushes      atomic.Uint64
	errors       atomic.Uint64
}

// New returns a zeroed Set.
func New() *Set {
	return &Set{}
}

func (s *Set) Read(n int) {
	if s == nil {
		return
	}

	s.reads.Add(1)
	s.bytesRead.Add(uint64(n))
}

func (s *Set) Write(n int) {
	if s == nil {
		return
	}

	s.writes.Add(1)
	s.bytesWritten.Add(uint64(n))
}

func (s *Set) Hit() {
	if s == nil {
		return
	}

	s.hits.Add(1)
}

func (s *Set) Miss() {
	if s == nil {
		return
	}

	s.misses.Add(1)
}

func (s *Set) Eviction() {
	if s == nil {
		return
	}

	s.evictions.Add(1)
}

func (s *Set) WriteBack() {
	if s == nil {
		return
	}

	s.writeBacks.Add(1)
}

func (s *Set) Flush() {
	if s == nil {
		return
	}

	s.flushes.Add(1)
}

func (s *Set) Error() {
	if s == nil {
		return
	}

	s.errors.Add(1)
}

// Snapshot returns the current counter values keyed by name.
func (s *Set) Snapshot() map[string]uint64 {
	if s == nil {
		return nil
	}

	return map[string]uint64{
		"reads":         s.reads.Load(),
		"writes":        s.writes.Load(),
		"bytes_read":    s.bytesRead.Load(),
		"bytes_written": s.bytesWritten.Load(),
		"hits":          s.hits.Load(),
		"misses":        s.misses.Load(),
		"evictions":     s.evictions.Load(),
		"write_backs":   s.writeBacks.Load(),
		"flushes":       s.flushes.Load(),
		"errors":        s.errors.Load(),
	}
}

// Serve exposes the counter set as JSON at /metrics on addr until ctx is
// canceled. Serve returns once the listener is up; the server shuts down
// in the background when ctx ends.
func Serve(ctx context.Context, addr string, set *Set, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		err := json.NewEncoder(w).Encode(set.Snapshot())
		if err != nil {
			log.WithError(err).Debug("encoding metrics response")
		}
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	log.WithField("address", addr).Info("metrics listening")

	return nil
}
