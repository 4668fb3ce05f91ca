package storage

import (
	"bytes"

	"github.com/arx-os/pointstore/pkg/pterrors"
)

// RootRecordSize is the fixed size of the root record: it is always the
// first blob in the file, pre-registered at offset 0 so no other blob can
// ever claim that range.
const RootRecordSize = 128

var rootMagic = [4]byte{'J', 'L', 'P', 0}

// RootRecord is the 128-byte anchor of a store file: a magic number
// followed by the locations of the three top-level structures every other
// blob is reachable from.
type RootRecord struct {
	FreeSpaceMap    Location
	AttributeConfig Location
	TreeRegistry    Location
}

// Serialize encodes the root record: magic, then the three locations, then
// zero-filled reserved bytes out to RootRecordSize.
func (r RootRecord) Serialize() []byte {
	buf := make([]byte, RootRecordSize)
	copy(buf[0:4], rootMagic[:])
	putLocation(buf[4:28], r.FreeSpaceMap)
	putLocation(buf[28:52], r.AttributeConfig)
	putLocation(buf[52:76], r.TreeRegistry)
	return buf
}

// DeserializeRoot validates the magic number and decodes the three
// locations from a root record.
func DeserializeRoot(buf []byte) (RootRecord, error) {
	if len(buf) < RootRecordSize {
		return RootRecord{}, pterrors.WrapFormat(pterrors.ErrFormat, "root record: short buffer")
	}
	if !bytes.Equal(buf[0:4], rootMagic[:]) {
		return RootRecord{}, pterrors.WrapFormat(pterrors.ErrFormat, "root record: bad magic")
	}
	return RootRecord{
		FreeSpaceMap:    getLocation(buf[4:28]),
		AttributeConfig: getLocation(buf[28:52]),
		TreeRegistry:    getLocation(buf[52:76]),
	}, nil
}

// blobMagic prefixes every non-root blob: the same four bytes as the root
// record, so a stray read anywhere in the file is immediately recognisable
// as either a root record or a point/tree blob, never ambiguous data.
var blobMagic = [4]byte{'J', 'L', 'P', 0}

const blobMagicSize = 4

func writeBlobMagic(buf []byte) { copy(buf[0:4], blobMagic[:]) }

func checkBlobMagic(buf []byte) error {
	if len(buf) < blobMagicSize || !bytes.Equal(buf[0:4], blobMagic[:]) {
		return pterrors.WrapFormat(pterrors.ErrFormat, "blob: bad magic")
	}
	return nil
}
