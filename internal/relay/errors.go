// ABOUTME: Sentinel errors for relay endpoints, the directory and services
// ABOUTME: Protocol-level failures live in internal/protocol

package relay

import "errors"

var (
	// ErrAsync is returned by Service.Call when the service kept the ticket
	// and will complete it later.
	ErrAsync = errors.New("relay: answered asynchronously")

	// ErrAlreadyInitialized indicates Init was called twice on one endpoint.
	ErrAlreadyInitialized = errors.New("relay: endpoint already initialized")

	// ErrDuplicateEndpoint indicates an id already present in the Directory.
	ErrDuplicateEndpoint = errors.New("relay: endpoint already registered")

	// ErrNilListener indicates RegisterListener was given no listener.
	ErrNilListener = errors.New("relay: nil listener")

	// ErrNilService indicates Host.Init was given no service.
	ErrNilService = errors.New("relay: nil service")
)
