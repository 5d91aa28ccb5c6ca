// Package artifact reads and writes serialized programs.
//
// File layout:
//
//	magic    "ECLP"
//	version  uint8
//	codec    uint8   (0 none, 1 lz4, 2 zstd)
//	size     uint64  little-endian, uncompressed payload length
//	crc32    uint32  little-endian, IEEE checksum of the uncompressed payload
//	payload  protobuf-wire Program message, compressed with codec
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/kennethnrk/edgeclip/internal/common/constants"
	"github.com/kennethnrk/edgeclip/internal/jit"
)

const (
	magic      = "ECLP"
	version    = 1
	headerSize = len(magic) + 1 + 1 + 8 + 4

	// maxPayload bounds the declared size so a corrupt header cannot
	// trigger a huge allocation.
	maxPayload = 8 << 30
)

var (
	ErrCorrupt = errors.New("corrupt artifact")
	// ErrHostFunctions is returned for programs that still call Go code;
	// they must be scripted or traced first.
	ErrHostFunctions = errors.New("program refers to host functions")
)

// Info describes a stored artifact.
type Info struct {
	Codec        string
	StoredSize   int
	PayloadSize  int
	Instructions int
	Capture      constants.CaptureMode
}

// Marshal encodes p.
func Marshal(p *jit.Program, c constants.Compression) ([]byte, Info, error) {
	if len(p.Hosts) > 0 {
		return nil, Info{}, ErrHostFunctions
	}
	if p.Capture == "" {
		return nil, Info{}, errors.New("program was neither scripted nor traced")
	}
	want, err := codecFor(c)
	if err != nil {
		return nil, Info{}, err
	}

	payload := encodeProgram(p)
	stored, used, err := compress(payload, want)
	if err != nil {
		return nil, Info{}, err
	}

	buf := make([]byte, 0, headerSize+len(stored))
	buf = append(buf, magic...)
	buf = append(buf, version, byte(used))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(payload)))
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(payload))
	buf = append(buf, stored...)

	return buf, Info{
		Codec:        used.String(),
		StoredSize:   len(buf),
		PayloadSize:  len(payload),
		Instructions: p.InstructionCount(),
		Capture:      p.Capture,
	}, nil
}

// Unmarshal decodes an artifact produced by Marshal.
func Unmarshal(data []byte) (*jit.Program, Info, error) {
	if len(data) < headerSize || !bytes.Equal(data[:len(magic)], []byte(magic)) {
		return nil, Info{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	off := len(magic)
	if v := data[off]; v != version {
		return nil, Info{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	c := codec(data[off+1])
	size := binary.LittleEndian.Uint64(data[off+2:])
	sum := binary.LittleEndian.Uint32(data[off+10:])
	if size > maxPayload {
		return nil, Info{}, fmt.Errorf("%w: payload size %d", ErrCorrupt, size)
	}

	payload, err := decompress(data[headerSize:], c, int(size))
	if err != nil {
		return nil, Info{}, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, Info{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	p, err := decodeProgram(payload)
	if err != nil {
		return nil, Info{}, err
	}
	return p, Info{
		Codec:        c.String(),
		StoredSize:   len(data),
		PayloadSize:  len(payload),
		Instructions: p.InstructionCount(),
		Capture:      p.Capture,
	}, nil
}

// Save writes p to path atomically.
func Save(path string, p *jit.Program, c constants.Compression) (Info, error) {
	data, info, err := Marshal(p, c)
	if err != nil {
		return Info{}, err
	}
	if err := writeAtomic(path, data); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Load reads the program stored at path.
func Load(path string) (*jit.Program, Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Info{}, fmt.Errorf("read artifact: %w", err)
	}
	p, info, err := Unmarshal(data)
	if err != nil {
		return nil, Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, info, nil
}

// Open loads an artifact as a callable module.
func Open(path string, rt jit.GraphRunner) (*jit.Module, error) {
	p, _, err := Load(path)
	if err != nil {
		return nil, err
	}
	return jit.NewModule(p, rt), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}
