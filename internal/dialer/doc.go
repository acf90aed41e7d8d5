// Package dialer opens the outbound connection to a relay server, either
// directly or through a chained HTTP CONNECT or SOCKS5 proxy.
//
// Dialers implement a small interface (DialContext). The proxy dialers reach
// the proxy with the direct dialer, so socket options and keepalive apply to
// the proxy hop as well.
package dialer
