// This file isolates the rest of the code from the on-media header format of
// the virtual tapes. Every archive written by the backup application starts
// with a block header, a record header and a volume label, all big-endian
// with fixed field widths. The decoder reads field by field with explicit
// widths; nothing here depends on struct layout or reflection.
package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	BlockHeaderSize  = 24
	RecordHeaderSize = 12

	// fixed-width prefix of the volume label: 32-byte Id, VerNum and the
	// four 8-byte time fields. VolName follows, null terminated.
	LabelFixedSize = 68

	idSize = 32

	// VolNameNominal is the on-media limit for a volume name. The decoder
	// accepts up to VolNameMax before truncating so that a label with a
	// damaged terminator still decodes.
	VolNameNominal = 128
	VolNameMax     = 512
)

// Values carried by every label written since format version 11.
const (
	LabelId       = "Bacula 1.0 immortal\n"
	LabelVersion  = 11
	BlockHeaderId = "BB02"
	PreLabelIndex = -1 // record FileIndex of a label on a freshly initialized tape
	VolLabelIndex = -2 // record FileIndex of a label rewritten on first use
)

// FormatError reports a truncated or malformed binary header. The decoder
// never returns a partially populated record together with a nil error.
type FormatError struct {
	Field string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("volume header: bad %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("volume header: bad %s", e.Field)
}

func (e *FormatError) Unwrap() error { return e.Err }

// BlockHeader is the 24 byte header that starts every tape block.
type BlockHeader struct {
	CheckSum       uint32
	BlockSize      uint32
	BlockNumber    uint32
	ID             string // 4-byte tag, "BB02" for current format
	VolSessionId   uint32
	VolSessionTime uint32
}

// RecordHeader is the 12 byte header that precedes every record payload.
type RecordHeader struct {
	FileIndex int32
	Stream    int32
	DataSize  uint32
}

// VolumeLabel identifies which slot an archive belongs to. LabelBtime and
// WriteBtime hold seconds since the epoch as doubles; WriteDate and
// WriteTime are kept only so that labels round trip, the fields stopped
// carrying meaning with format version 11.
type VolumeLabel struct {
	Id         string
	VerNum     uint32
	LabelBtime float64
	WriteBtime float64
	WriteDate  float64
	WriteTime  float64
	VolName    string
}

// LabelTimestamp renders LabelBtime as a local timestamp with microsecond
// precision. No timezone normalization is done; the on-media value carries
// none.
func (l *VolumeLabel) LabelTimestamp() string { return formatEpoch(l.LabelBtime) }

// WriteTimestamp renders WriteBtime, see LabelTimestamp.
func (l *VolumeLabel) WriteTimestamp() string { return formatEpoch(l.WriteBtime) }

func formatEpoch(secs float64) string {
	sec, frac := math.Modf(secs)
	t := time.Unix(int64(sec), int64(frac*1e6)*1000)
	return t.Format("2006-01-02 15:04:05.000000")
}

// DecodeHeader reads the block header, record header and volume label from
// the start of an archive stream. The caller owns the stream; nothing is
// opened or closed here. A stream too short for any fixed-width field fails
// with FormatError. A missing null terminator on VolName does not: the bytes
// read so far are returned as the name (documented leniency for labels with
// a damaged terminator).
func DecodeHeader(r io.Reader) (*BlockHeader, *RecordHeader, *VolumeLabel, error) {
	buf, err := readFixed(r, BlockHeaderSize, "block header")
	if err != nil {
		return nil, nil, nil, err
	}
	bh := &BlockHeader{
		CheckSum:       binary.BigEndian.Uint32(buf[0:4]),
		BlockSize:      binary.BigEndian.Uint32(buf[4:8]),
		BlockNumber:    binary.BigEndian.Uint32(buf[8:12]),
		ID:             string(buf[12:16]),
		VolSessionId:   binary.BigEndian.Uint32(buf[16:20]),
		VolSessionTime: binary.BigEndian.Uint32(buf[20:24]),
	}

	buf, err = readFixed(r, RecordHeaderSize, "record header")
	if err != nil {
		return nil, nil, nil, err
	}
	rh := &RecordHeader{
		FileIndex: int32(binary.BigEndian.Uint32(buf[0:4])),
		Stream:    int32(binary.BigEndian.Uint32(buf[4:8])),
		DataSize:  binary.BigEndian.Uint32(buf[8:12]),
	}

	buf, err = readFixed(r, LabelFixedSize, "volume label")
	if err != nil {
		return nil, nil, nil, err
	}
	vl := &VolumeLabel{
		Id:         trimAtNul(buf[0:idSize]),
		VerNum:     binary.BigEndian.Uint32(buf[32:36]),
		LabelBtime: math.Float64frombits(binary.BigEndian.Uint64(buf[36:44])),
		WriteBtime: math.Float64frombits(binary.BigEndian.Uint64(buf[44:52])),
		WriteDate:  math.Float64frombits(binary.BigEndian.Uint64(buf[52:60])),
		WriteTime:  math.Float64frombits(binary.BigEndian.Uint64(buf[60:68])),
	}
	vl.VolName = readName(r)

	return bh, rh, vl, nil
}

// EncodeHeader writes the mirror layout of DecodeHeader. Id is padded with
// nulls to its fixed width, VolName is written null terminated.
func EncodeHeader(w io.Writer, bh *BlockHeader, rh *RecordHeader, vl *VolumeLabel) error {
	buf := make([]byte, 0, BlockHeaderSize+RecordHeaderSize+LabelFixedSize+len(vl.VolName)+1)

	buf = binary.BigEndian.AppendUint32(buf, bh.CheckSum)
	buf = binary.BigEndian.AppendUint32(buf, bh.BlockSize)
	buf = binary.BigEndian.AppendUint32(buf, bh.BlockNumber)
	buf = appendPadded(buf, bh.ID, 4)
	buf = binary.BigEndian.AppendUint32(buf, bh.VolSessionId)
	buf = binary.BigEndian.AppendUint32(buf, bh.VolSessionTime)

	buf = binary.BigEndian.AppendUint32(buf, uint32(rh.FileIndex))
	buf = binary.BigEndian.AppendUint32(buf, uint32(rh.Stream))
	buf = binary.BigEndian.AppendUint32(buf, rh.DataSize)

	buf = appendPadded(buf, vl.Id, idSize)
	buf = binary.BigEndian.AppendUint32(buf, vl.VerNum)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(vl.LabelBtime))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(vl.WriteBtime))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(vl.WriteDate))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(vl.WriteTime))
	buf = append(buf, vl.VolName...)
	buf = append(buf, 0)

	_, err := w.Write(buf)
	return err
}

func readFixed(r io.Reader, n int, field string) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &FormatError{Field: field, Err: err}
	}
	return buf, nil
}

// readName reads VolName byte by byte until a null, the defensive bound or
// the end of the stream, whichever comes first. Running out of bytes before
// a terminator is not an error; the name read so far is returned.
func readName(r io.Reader) string {
	name := make([]byte, 0, VolNameNominal)
	b := make([]byte, 1)
	for len(name) < VolNameMax {
		if _, err := r.Read(b); err != nil {
			break
		}
		if b[0] == 0 {
			break
		}
		name = append(name, b[0])
	}
	return string(name)
}

func trimAtNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func appendPadded(buf []byte, s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return append(buf, b...)
}
