package relay

// Package relay implements the local side of the encrypted tunnel.
//
// A Listener accepts SOCKS5 clients and runs one Handler per connection.
// The Handler answers method negotiation and CONNECT, picks a relay server,
// dials it (directly or through a chained proxy), and then encrypts client
// bytes toward the relay and decrypts relay bytes back to the client.
//
// Each Handler's state lives on a single goroutine. Socket readers and the
// dial feed it events over a channel, so client bytes that arrive while the
// relay dial is in flight are queued in order behind the destination header.
// The Listener evicts handlers idle longer than their timeout on every accept
// and on a fixed interval.
