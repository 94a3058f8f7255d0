package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so the same function always
// serializes to the same bytes; cache keys depend on this.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalFunction serializes a Function to CBOR bytes.
func MarshalFunction(f *Function) ([]byte, error) {
	return cborEncMode.Marshal(f)
}

// UnmarshalFunction deserializes a Function from CBOR bytes and validates it.
func UnmarshalFunction(data []byte) (*Function, error) {
	var f Function
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal function: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
