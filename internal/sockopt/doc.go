// Package sockopt sets socket options on outbound relay connections.
//
// On Linux, Options can set SO_MARK (for policy routing) and bind the socket
// to a network device with SO_BINDTODEVICE. On other platforms a non-empty
// Options fails the dial instead of silently being ignored.
package sockopt
