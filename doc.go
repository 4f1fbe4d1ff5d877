// Package sdbus implements a client/server engine for a
// message-oriented IPC bus speaking the D-Bus wire protocol.
//
// The package centers on [Conn], a single-owner connection object
// that integrates with an external readiness loop rather than
// running goroutines of its own. A connection moves through a fixed
// lifecycle: it is configured while unset (SetAddress, SetFD,
// SetServer and friends), [Conn.Start] begins connecting, and
// repeated calls to [Conn.Process] drive the transport handshake,
// the SASL authentication exchange and the broker Hello call until
// the connection is running. [Conn.Fd], [Conn.Events] and
// [Conn.Timeout] tell the caller's poll loop what to wait for
// between Process calls; [Conn.Wait] and [Conn.Flush] are provided
// for callers that prefer to block.
//
// Outgoing traffic is created with [NewMethodCall], [NewSignal] and
// friends and handed to [Conn.Send], [Conn.CallAsync] or the
// blocking [Conn.Call]. Sending seals a message: it is assigned a
// serial, encoded, and frozen.
//
// Inbound traffic runs through a fixed dispatch chain: pending
// reply handlers, filters ([Conn.AddFilter]), match rules
// ([Conn.AddMatch]), the built-in peer services, and finally the
// object tree. Local objects are published with [Conn.AddVTable]
// (or its fallback variant, which serves a whole subtree),
// [Conn.AddObject] for raw callbacks, [Conn.AddNodeEnumerator] for
// dynamic children and [Conn.AddObjectManager]. The engine serves
// org.freedesktop.DBus.Peer, Introspectable, Properties and
// ObjectManager natively.
//
// A Conn must be driven by one goroutine at a time; the engine is
// not internally locked. Dispatch callbacks may send messages but
// must not re-enter Process, Call or Flush on the same connection.
// A connection does not survive a fork: operations from a child
// process fail with [ErrChildProcess].
package sdbus
