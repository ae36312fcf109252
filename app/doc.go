// Package app dispatches messages to handlers.
//
// A Looper owns a port and one goroutine that reads flattened messages from
// it and hands each one to the addressed Handler. Messengers address
// handlers by value (team, port, token) so the same Messenger works for a
// looper in this process and, through a port.Link, for one in another.
// Replies travel to the address embedded in the request; there is no
// correlation table.
package app
