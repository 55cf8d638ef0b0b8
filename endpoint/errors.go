package endpoint

import (
	"errors"
	"fmt"
)

// ErrClosed is returned for operations on an endpoint whose channel has been
// shut down.
var ErrClosed = errors.New("rpc endpoint is closed")

// RemoteError carries the text of an exception raised by the peer while
// serving a call. It is the call's failure, not the endpoint's: the
// connection stays usable afterwards. Structured error types do not survive
// the hop; only the message does.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "error caught from RPC call: " + e.Msg }

// protocolError marks a fatal wire-protocol violation. Once one occurs the
// endpoint is poisoned: every subsequent operation fails.
func protocolError(format string, args ...any) error {
	return fmt.Errorf("rpc protocol violation: "+format, args...)
}
