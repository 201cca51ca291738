package parser

import (
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/treesync/treesync/types"
)

// maxVecLen bounds collection lengths read from untrusted bytes.
const maxVecLen = 1 << 16

// decoder wraps a borsh decoder so that the first failure sticks and every
// later read returns zero values.
type decoder struct {
	dec *bin.Decoder
	err error
}

func newDecoder(bz []byte) *decoder { return &decoder{dec: bin.NewBorshDecoder(bz)} }

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]interface{}{ErrMalformed}, args...)...)
	}
}

// ok records err and reports whether decoding can go on.
func (d *decoder) ok(err error) bool {
	if err != nil {
		d.fail("at offset %d: %v", d.dec.Position(), err)
	}
	return d.err == nil
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.dec.Remaining() < n {
		d.fail("need %d bytes at offset %d, have %d", n, d.dec.Position(), d.dec.Remaining())
		return nil
	}
	bz, err := d.dec.ReadNBytes(n)
	if !d.ok(err) {
		return nil
	}
	return bz
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	v, err := d.dec.ReadUint8()
	if !d.ok(err) {
		return 0
	}
	return v
}

func (d *decoder) u16() uint16 {
	if d.err != nil {
		return 0
	}
	v, err := d.dec.ReadUint16(bin.LE)
	if !d.ok(err) {
		return 0
	}
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	v, err := d.dec.ReadUint32(bin.LE)
	if !d.ok(err) {
		return 0
	}
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	v, err := d.dec.ReadUint64(bin.LE)
	if !d.ok(err) {
		return 0
	}
	return v
}

func (d *decoder) boolean() bool {
	switch v := d.u8(); v {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail("invalid bool %d", v)
		return false
	}
}

func (d *decoder) pubkey() types.Pubkey {
	var pk types.Pubkey
	copy(pk[:], d.take(types.PubkeySize))
	return pk
}

func (d *decoder) hash() types.Hash {
	var h types.Hash
	copy(h[:], d.take(types.HashSize))
	return h
}

func (d *decoder) vecLen() int {
	n := d.u32()
	if n > maxVecLen {
		d.fail("collection length %d too large", n)
		return 0
	}
	return int(n)
}

func (d *decoder) bytes() []byte {
	return d.take(d.vecLen())
}

func (d *decoder) str() string {
	return string(d.bytes())
}

// option reads a borsh Option tag.
func (d *decoder) option() bool {
	return d.boolean()
}
