package audit

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var ErrChainBroken = errors.New("audit chain broken")

var chainDomainKey = [32]byte{
	's', 'i', 'm', 'p', 'l', 'e', '-', 'c', 'd', ' ', 'a', 'u', 'd', 'i', 't', ' ',
	'c', 'h', 'a', 'i', 'n', ' ', 'v', '1', 0, 0, 0, 0, 0, 0, 0, 0,
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

type chainRecord struct {
	Seq        int64             `cbor:"1,keyasint"`
	Kind       string            `cbor:"2,keyasint"`
	Component  string            `cbor:"3,keyasint"`
	Subject    string            `cbor:"4,keyasint"`
	Actor      string            `cbor:"5,keyasint"`
	Attributes map[string]string `cbor:"6,keyasint,omitempty"`
	OccurredOn int64             `cbor:"7,keyasint"`
	PrevHash   string            `cbor:"8,keyasint"`
}

// hashEvent is the keyed blake3 hash of the event's deterministic CBOR
// encoding. The Hash field itself is excluded.
func hashEvent(e Event) (string, error) {
	data, err := encMode.Marshal(chainRecord{
		Seq:        e.Seq,
		Kind:       string(e.Kind),
		Component:  e.Component,
		Subject:    e.Subject,
		Actor:      e.Actor,
		Attributes: e.Attributes,
		OccurredOn: e.OccurredOn.UnixMicro(),
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("audit: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ChainError reports the first event that does not link to its predecessor.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s at seq %d: %s", ErrChainBroken, e.Seq, e.Reason)
}

func (e *ChainError) Is(target error) bool {
	return target == ErrChainBroken
}
