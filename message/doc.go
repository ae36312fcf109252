// Package message implements the self-describing message container used
// for communication between loopers and processes.
//
// A Message carries a 4-byte what code and an ordered Store of named
// fields. Every field holds one or more values of a single type. Messages
// flatten to a byte layout that any peer can decode without knowledge of
// the sender:
//
//	header  = total_length:u32 what:u32 entry_count:u32
//	entry   = key_len:u16 key:[key_len]u8 type_code:u32 value_count:u32 value*
//	fixed   = raw little-endian bytes, width given by type_code
//	varying = length:u32 bytes:[length]u8
//
// All integers and floats are little-endian. Strings are UTF-8 without a
// terminator. Nested messages are stored as varying values holding a
// complete flattened message. Routing metadata (target token, flags and
// reply address) is stored in reserved entries prefixed with "_msgkit:" and
// is only written when it differs from the defaults, so a message with no
// fields flattens to exactly the 12-byte header.
package message
