package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when a live node exists.
	ErrAlreadyRunning = errors.New("chain already running")
	// ErrConnectTimeout means the node port never accepted a connection
	// within the retry budget.
	ErrConnectTimeout = errors.New("timed out waiting for node port")
	// ErrNodeExited means the node died before it became reachable.
	ErrNodeExited = errors.New("node exited during startup")
	// ErrChainMismatch means the node answering on the chain's port reports
	// a different chain id.
	ErrChainMismatch = errors.New("node chain id mismatch")
	// ErrNotConnected is returned by queries while no RPC connection is open.
	ErrNotConnected = errors.New("no rpc connection to node")
	// ErrBlockNotFound is returned when the node reports a block as absent.
	ErrBlockNotFound = errors.New("block not found")
)

// RPCError wraps a failed call against the node's RPC endpoint.
type RPCError struct {
	Op  string
	Err error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Op, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }
