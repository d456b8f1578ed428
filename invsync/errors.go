// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// FailureClass is the single classification the orchestrator uses to
// decide between fallback, retry and propagate-to-caller.
type FailureClass int

const (
	ClassUnknown FailureClass = iota
	ClassNetworkUnreachable
	ClassUnauthorized
	ClassNotFound
	ClassDomainRejected
)

func (c FailureClass) String() string {
	switch c {
	case ClassNetworkUnreachable:
		return "network_unreachable"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassNotFound:
		return "not_found"
	case ClassDomainRejected:
		return "domain_rejected"
	default:
		return "unknown"
	}
}

// RemoteError is a classified failure reported by the remote gateway.
type RemoteError struct {
	Class   FailureClass
	Status  int // HTTP status when one was received, 0 otherwise
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %s", e.Class, e.Status, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Class, e.Message)
}

// ErrStoreUnavailable reports that the local persistent store failed.
// Callers treat it as "no cache", never as a fatal condition.
var ErrStoreUnavailable = errors.New("local replica store unavailable")

// Classify maps any error to its failure class. Transport-level failures
// and timeouts classify as network-unreachable.
func Classify(err error) FailureClass {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassNetworkUnreachable
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ClassNetworkUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetworkUnreachable
	}
	return ClassUnknown
}

// IsNetworkUnreachable reports whether err classifies as a recoverable
// connectivity failure.
func IsNetworkUnreachable(err error) bool {
	return err != nil && Classify(err) == ClassNetworkUnreachable
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
