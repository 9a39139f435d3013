// Package kv is the shared persistent key/value store behind the event log,
// the outbox and snapshot persistence.
//
// Every driver offers compare-and-swap, which Update builds on to give
// read-modify-write atomicity across processes sharing the same store. Two
// sessions appending to the same event log therefore never lose an entry.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrConflict is returned by Update when it could not win the
// compare-and-swap race within its retry budget.
var ErrConflict = errors.New("kv: too many concurrent updates")

// Store is a byte-oriented key/value store.
//
// A nil value in CompareAndSwap means "absent": old == nil requires the key
// to be missing, new == nil deletes it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)
	// Keys returns every key with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// MaxUpdateAttempts bounds the compare-and-swap retry loop in Update.
const MaxUpdateAttempts = 64

// Update atomically replaces the value at key with fn(current). current is
// nil when the key is absent. Returning nil from fn deletes the key.
//
// fn may run several times and must not have side effects beyond computing
// the next value.
func Update(ctx context.Context, s Store, key string, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			current = nil
		} else if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if current != nil && next != nil && bytes.Equal(current, next) {
			return next, nil
		}

		ok, err := s.CompareAndSwap(ctx, key, current, next)
		if err != nil {
			return nil, fmt.Errorf("swap %s: %w", key, err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("update %s: %w", key, ErrConflict)
}
