package memory

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

// Snapshot layout: 4-byte magic, uint16 version, then a zstd stream holding
// the header (model id, dimension, built-at, entry count), the entries in
// insertion order and a trailing CRC-32 (IEEE) of everything before it.
// Integers are little endian.
const (
	snapshotMagic   = "SRVX"
	snapshotVersion = 1

	maxModelIDLen = 1 << 10
	maxChunkIDLen = 1 << 12
	maxDimension  = 1 << 16
)

func Encode(w io.Writer, ix *Index) error {
	if _, err := io.WriteString(w, snapshotMagic); err != nil {
		return fmt.Errorf("write snapshot magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(snapshotVersion)); err != nil {
		return fmt.Errorf("write snapshot version: %w", err)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create snapshot encoder: %w", err)
	}
	crc := crc32.NewIEEE()
	bw := bufio.NewWriter(io.MultiWriter(zw, crc))

	writeString(bw, ix.modelID)
	writeUint32(bw, uint32(ix.dim))
	writeUint64(bw, uint64(unixNano(ix.builtAt)))
	writeUint32(bw, uint32(len(ix.entries)))
	buf := make([]byte, 4*ix.dim)
	for _, e := range ix.entries {
		writeString(bw, e.id)
		for i, f := range e.vec {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
		}
		bw.Write(buf)
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return fmt.Errorf("write snapshot body: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, crc.Sum32()); err != nil {
		zw.Close()
		return fmt.Errorf("write snapshot checksum: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish snapshot encoder: %w", err)
	}
	return nil
}

// Decode reads a snapshot written by Encode. Every failure is reported as
// domain.ErrIndexCorrupt; a damaged snapshot is never partially loaded.
func Decode(r io.Reader) (*Index, error) {
	ix, err := decode(r)
	if err != nil {
		return nil, domain.WrapError(domain.ErrIndexCorrupt, "decode index snapshot", err)
	}
	return ix, nil
}

func decode(r io.Reader) (*Index, error) {
	head := make([]byte, len(snapshotMagic)+2)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(head[:len(snapshotMagic)]) != snapshotMagic {
		return nil, errors.New("bad magic")
	}
	if v := binary.LittleEndian.Uint16(head[len(snapshotMagic):]); v != snapshotVersion {
		return nil, fmt.Errorf("unsupported version %d", v)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(body) < 4 {
		return nil, errors.New("truncated body")
	}
	payload, sum := body[:len(body)-4], binary.LittleEndian.Uint32(body[len(body)-4:])
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errors.New("checksum mismatch")
	}

	br := bytes.NewReader(payload)
	modelID, err := readString(br, maxModelIDLen)
	if err != nil {
		return nil, fmt.Errorf("read model id: %w", err)
	}
	var hdr struct {
		Dim     uint32
		BuiltAt int64
		Count   uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header fields: %w", err)
	}
	if modelID == "" || hdr.Dim == 0 || hdr.Dim > maxDimension {
		return nil, fmt.Errorf("invalid header model=%q dimension=%d", modelID, hdr.Dim)
	}
	dim := int(hdr.Dim)
	if int64(hdr.Count)*int64(dim*4) > int64(br.Len()) {
		return nil, fmt.Errorf("entry count %d exceeds payload", hdr.Count)
	}

	ix := NewIndex(modelID, dim)
	if hdr.BuiltAt != 0 {
		ix.builtAt = time.Unix(0, hdr.BuiltAt).UTC()
	}
	raw := make([]byte, 4*dim)
	for i := uint32(0); i < hdr.Count; i++ {
		id, err := readString(br, maxChunkIDLen)
		if err != nil {
			return nil, fmt.Errorf("read entry %d id: %w", i, err)
		}
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, fmt.Errorf("read entry %d vector: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(raw[j*4:]))
		}
		if ix.Has(id) {
			return nil, fmt.Errorf("duplicate entry %s", id)
		}
		if err := ix.Add(id, vec); err != nil {
			return nil, err
		}
	}
	if br.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", br.Len())
	}
	return ix, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// bufio.Writer retains the first error, surfaced by Flush.
func writeString(w *bufio.Writer, s string) {
	writeUint32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeUint32(w *bufio.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint64(w *bufio.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readString(r *bytes.Reader, limit int) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if int(n) > limit || int(n) > r.Len() {
		return "", fmt.Errorf("string length %d out of range", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
