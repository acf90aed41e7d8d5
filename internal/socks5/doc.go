// Package socks5 holds the SOCKS5 wire pieces shared by sslocal.
//
// It defines the destination Address record (ATYP + address + port) used both
// in client requests and as the header of the encrypted relay stream, the
// fixed replies the local front-end writes, and a thin client/server
// negotiation layer over github.com/txthinking/socks5 used for chained
// upstream proxies.
//
// This package is not a full SOCKS5 server; the per-connection state machine
// lives in internal/relay.
package socks5
