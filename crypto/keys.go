package crypto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering identities.
type AddressPrefix string

const (
	// EscrowPrefix is the prefix used for every ledger identity.
	EscrowPrefix AddressPrefix = "esc"
)

// AddressLength is the size in bytes of a ledger identity.
const AddressLength = 20

// Address represents a 20-byte ledger identity with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// Array returns the identity as a fixed-size array.
func (a Address) Array() [AddressLength]byte {
	var out [AddressLength]byte
	copy(out[:], a.bytes)
	return out
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("decoded address must be %d bytes, got %d", AddressLength, len(conv))
	}
	if AddressPrefix(prefix) != EscrowPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseIdentity decodes a bech32 identity into its raw array form.
func ParseIdentity(addrStr string) ([AddressLength]byte, error) {
	addr, err := DecodeAddress(addrStr)
	if err != nil {
		return [AddressLength]byte{}, err
	}
	return addr.Array(), nil
}

// FormatIdentity renders a raw identity using the escrow prefix. The null
// identity is rendered as an empty string.
func FormatIdentity(id [AddressLength]byte) string {
	if id == ([AddressLength]byte{}) {
		return ""
	}
	return NewAddress(EscrowPrefix, id[:]).String()
}

// DeriveIdentity deterministically maps a label to an identity. Fixtures and
// the CLI use it to obtain stable addresses for named actors.
func DeriveIdentity(label string) [AddressLength]byte {
	var out [AddressLength]byte
	hash := crypto.Keccak256([]byte(strings.TrimSpace(label)))
	copy(out[:], hash[len(hash)-AddressLength:])
	return out
}

// Equal reports whether two addresses carry the same identity bytes.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}
