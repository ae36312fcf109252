package message

import "fmt"

// Handler tokens with a special meaning.
const (
	// TokenPreferred addresses the preferred handler of a looper
	TokenPreferred int32 = -2

	// TokenNull addresses no handler; used for plain reply ports
	TokenNull int32 = -1
)

// Address locates a handler: the team (process) that owns the port, the
// port the owning looper reads from, and the handler token inside that
// looper. It is the wire form of a messenger and is stored as
// MessengerType.
type Address struct {
	Team  int32
	Port  int32
	Token int32
}

// IsValid reports whether the address refers to a port at all.
func (a Address) IsValid() bool {
	return a.Port > 0
}

// String returns the string representation of the address.
func (a Address) String() string {
	switch a.Token {
	case TokenPreferred:
		return fmt.Sprintf("%08x:%d/preferred", uint32(a.Team), a.Port)
	case TokenNull:
		return fmt.Sprintf("%08x:%d", uint32(a.Team), a.Port)
	default:
		return fmt.Sprintf("%08x:%d/%d", uint32(a.Team), a.Port, a.Token)
	}
}
