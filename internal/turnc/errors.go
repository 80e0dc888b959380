// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turnc

import "errors"

// Shutdown reasons surfaced through Delegate.OnStateChange.
var (
	// ErrDNSLookupFailure means no server name could be resolved.
	ErrDNSLookupFailure = errors.New("TURN server DNS lookup failed")
	// ErrFailedToConnectToAnyServer means every candidate server was tried.
	ErrFailedToConnectToAnyServer = errors.New("failed to connect to any TURN server")
	// ErrRefreshTimeout means an allocation refresh went unanswered.
	ErrRefreshTimeout = errors.New("TURN allocation refresh timed out")
	// ErrUnexpectedSocketFailure means the active server connection died.
	ErrUnexpectedSocketFailure = errors.New("unexpected TURN socket failure")
	// ErrBogusDataOnSocketReceived means the TCP stream could not be framed.
	ErrBogusDataOnSocketReceived = errors.New("bogus data received on TURN socket")
	// ErrUserRequestedShutdown is the reason for a clean Shutdown call.
	ErrUserRequestedShutdown = errors.New("user requested shutdown")
)

var (
	errNotReady           = errors.New("allocation not ready")
	errAllServersTried    = errors.New("no untried TURN server left")
	errNoFreeChannel      = errors.New("no free channel number in range")
	errWriteQueueFull     = errors.New("TCP write queue full")
	errStaleNonceExceeded = errors.New("server churned nonce more than once")
	errMissingCredentials = errors.New("server demands auth but no credentials configured")
)
