package parser

import (
	"errors"
	"fmt"

	"github.com/treesync/treesync/types"
)

// ErrMalformed marks bytes that cannot be decoded. The bytes will not
// change on a retry.
var ErrMalformed = errors.New("malformed instruction data")

// variants of the account-compression event enum
const (
	eventChangeLog       = 0
	eventApplicationData = 1

	changeLogV1       = 0
	applicationDataV1 = 0
)

// bubblegum application data
const (
	bubblegumEventUninitialized = 0
	bubblegumEventLeafSchema    = 1

	bubblegumVersionV1 = 0
	leafSchemaV1       = 0
)

// compressionEvent is one decoded noop payload. Exactly one field is set.
type compressionEvent struct {
	changelog *types.ChangelogEvent
	appData   []byte
}

func decodeCompressionEvent(bz []byte) (compressionEvent, error) {
	d := newDecoder(bz)
	var ev compressionEvent
	switch tag := d.u8(); tag {
	case eventChangeLog:
		if v := d.u8(); v != changeLogV1 {
			d.fail("unknown changelog version %d", v)
			break
		}
		cl := types.ChangelogEvent{Tree: d.pubkey()}
		n := d.vecLen()
		if d.err == nil {
			cl.Path = make([]types.PathNodeEvent, 0, n)
		}
		for i := 0; i < n && d.err == nil; i++ {
			cl.Path = append(cl.Path, types.PathNodeEvent{Node: d.hash(), Index: d.u32()})
		}
		cl.Seq = d.u64()
		cl.Index = d.u32()
		ev.changelog = &cl
	case eventApplicationData:
		if v := d.u8(); v != applicationDataV1 {
			d.fail("unknown application data version %d", v)
			break
		}
		ev.appData = d.bytes()
	default:
		d.fail("unknown compression event %d", tag)
	}
	if d.err != nil {
		return compressionEvent{}, d.err
	}
	if ev.changelog != nil {
		if err := ev.changelog.ValidateBasic(); err != nil {
			return compressionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return ev, nil
}

// decodeLeafSchemaEvent decodes bubblegum application data. It returns nil
// without error for data that is not a leaf schema event.
func decodeLeafSchemaEvent(bz []byte) (*types.LeafEvent, error) {
	d := newDecoder(bz)
	switch et := d.u8(); et {
	case bubblegumEventLeafSchema:
	case bubblegumEventUninitialized:
		return nil, nil
	default:
		d.fail("unknown bubblegum event type %d", et)
		return nil, d.err
	}
	if v := d.u8(); v != bubblegumVersionV1 {
		d.fail("unknown bubblegum event version %d", v)
	}
	if s := d.u8(); s != leafSchemaV1 {
		d.fail("unknown leaf schema %d", s)
	}
	leaf := &types.LeafEvent{
		ID:          d.pubkey(),
		Owner:       d.pubkey(),
		Delegate:    d.pubkey(),
		Nonce:       d.u64(),
		DataHash:    d.hash(),
		CreatorHash: d.hash(),
	}
	leaf.LeafHash = d.hash()
	if d.err != nil {
		return nil, d.err
	}
	return leaf, nil
}
