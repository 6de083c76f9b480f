package tiercache

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for well-defined error conditions.
var (
	// ErrKeyNotFound indicates the key is not present in the cache.
	ErrKeyNotFound = errors.New("tiercache: key not found")

	// ErrCapacityExceeded indicates an admission could not free enough space.
	// The insert did not occur.
	ErrCapacityExceeded = errors.New("tiercache: capacity exceeded")

	// ErrStopped indicates the cache stopped while an admission was waiting.
	ErrStopped = errors.New("tiercache: cache stopped")

	// ErrKeyMismatch indicates a cell was stored under a key other than its own.
	ErrKeyMismatch = errors.New("tiercache: cell key does not match")

	// ErrCellRetired indicates a cell was used after Delete.
	ErrCellRetired = errors.New("tiercache: cell retired")

	// ErrPayloadMissing indicates the backing medium no longer holds a cell's payload.
	ErrPayloadMissing = errors.New("tiercache: payload missing")

	// ErrNoMedium indicates no backing medium is configured for a tier.
	ErrNoMedium = errors.New("tiercache: no medium configured for tier")

	// ErrNotAttached indicates a promotion request on a cache with no hierarchy.
	ErrNotAttached = errors.New("tiercache: cache not attached to a hierarchy")

	// ErrBackingStore matches every *BackingStoreError.
	ErrBackingStore = errors.New("tiercache: backing store failure")

	// ErrConversion matches every *ConversionError.
	ErrConversion = errors.New("tiercache: conversion failed")
)

// BackingStoreError reports a failure of a cell's underlying medium.
type BackingStoreError struct {
	Tier Tier
	Key  string
	Op   string
	Err  error
}

func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("tiercache: %s %s %q: %v", e.Tier, e.Op, e.Key, e.Err)
}

func (e *BackingStoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackingStore) match.
func (e *BackingStoreError) Is(target error) bool { return target == ErrBackingStore }

// Temporary reports whether retrying the operation may succeed.
func (e *BackingStoreError) Temporary() bool {
	switch {
	case errors.Is(e.Err, ErrPayloadMissing),
		errors.Is(e.Err, ErrCellRetired),
		errors.Is(e.Err, context.Canceled),
		errors.Is(e.Err, context.DeadlineExceeded):
		return false
	}
	return true
}

// ConversionError reports a morph that could not represent a payload in the
// target tier. The source cell is left intact.
type ConversionError struct {
	Key  string
	From Tier
	To   Tier
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("tiercache: morph %q from %s to %s: %v", e.Key, e.From, e.To, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConversion) match.
func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

// backingErr wraps err for tier/key/op, tagging missing payloads.
func backingErr(tier Tier, key, op string, err error, missing ...error) error {
	for _, m := range missing {
		if errors.Is(err, m) {
			err = fmt.Errorf("%w: %w", ErrPayloadMissing, err)
			break
		}
	}
	return &BackingStoreError{Tier: tier, Key: key, Op: op, Err: err}
}
