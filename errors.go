// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ice

import "errors"

// Session-facing error taxonomy, delivered with the terminal state change.
var (
	// ErrBackgroundingTimeout means no activity inside the configured
	// backgrounding window.
	ErrBackgroundingTimeout = errors.New("no activity within backgrounding timeout")
	// ErrCandidateSearchFailed means end-of-remote-candidates was seen and
	// every pair failed.
	ErrCandidateSearchFailed = errors.New("candidate search failed")
	// ErrTimeout is the generic liveness failure.
	ErrTimeout = errors.New("timeout")
	// ErrDelegateGone means the subscriber was released mid-operation.
	ErrDelegateGone = errors.New("delegate released while operation outstanding")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSocketClosed is returned by operations on a shut-down socket.
	ErrSocketClosed = errors.New("socket shut down")
	// ErrWriteNotReady means the send path is congested; wait for the
	// write-ready notification before retrying.
	ErrWriteNotReady = errors.New("write not ready")
	// ErrNoNominatedPair means Write was called before nomination.
	ErrNoNominatedPair = errors.New("no nominated pair")
	// ErrInvalidAddress covers unspecified or port-less destinations.
	ErrInvalidAddress = errors.New("invalid transport address")
)
