package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/hyperjump/kioku/internal/codec"
	"github.com/hyperjump/kioku/internal/models"
)

// Snapshot layout (little endian):
//
//	magic "KQIX" | version u32 | scheme len u32 | scheme | dimension u32 | generation i64 | n u32
//	then per entry: id len u32 | id | codeword (codec size bytes)
var snapshotMagic = [4]byte{'K', 'Q', 'I', 'X'}

const (
	snapshotVersion = 1
	maxIDLen        = 1 << 10
)

func writeSnapshot(path string, c *codec.Codec, generation int64, n int, entries iter.Seq2[string, codec.Codeword]) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	le := binary.LittleEndian
	header := []any{snapshotMagic, uint32(snapshotVersion), uint32(len(c.Scheme()))}
	for _, v := range header {
		if err := binary.Write(w, le, v); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	if _, err := w.WriteString(c.Scheme()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write scheme: %w", err)
	}
	for _, v := range []any{uint32(c.Dimension()), generation, uint32(n)} {
		if err := binary.Write(w, le, v); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	var writeErr error
	written := 0
	for id, cw := range entries {
		if writeErr = binary.Write(w, le, uint32(len(id))); writeErr != nil {
			break
		}
		if _, writeErr = w.WriteString(id); writeErr != nil {
			break
		}
		if _, writeErr = w.Write(cw); writeErr != nil {
			break
		}
		written++
	}
	if writeErr == nil && written != n {
		writeErr = fmt.Errorf("wrote %d entries, header says %d", written, n)
	}
	if writeErr == nil {
		writeErr = w.Flush()
	}
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return fmt.Errorf("write index file: %w", writeErr)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish index file: %w", err)
	}
	return nil
}

// readSnapshot returns generation -1 and nil entries when path does not exist.
func readSnapshot(path string, c *codec.Codec) (int64, map[string]codec.Codeword, error) {
	if path == "" {
		return -1, nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, nil, nil
		}
		return -1, nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	le := binary.LittleEndian

	var (
		magic     [4]byte
		version   uint32
		schemeLen uint32
	)
	if err := binary.Read(r, le, &magic); err != nil {
		return -1, nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != snapshotMagic {
		return -1, nil, fmt.Errorf("not an index snapshot: %s", path)
	}
	if err := binary.Read(r, le, &version); err != nil {
		return -1, nil, fmt.Errorf("read version: %w", err)
	}
	if version != snapshotVersion {
		return -1, nil, fmt.Errorf("unsupported snapshot version %d", version)
	}
	if err := binary.Read(r, le, &schemeLen); err != nil {
		return -1, nil, fmt.Errorf("read scheme: %w", err)
	}
	if schemeLen > maxIDLen {
		return -1, nil, fmt.Errorf("corrupt snapshot: scheme length %d", schemeLen)
	}
	scheme := make([]byte, schemeLen)
	if _, err := io.ReadFull(r, scheme); err != nil {
		return -1, nil, fmt.Errorf("read scheme: %w", err)
	}
	var (
		dim        uint32
		generation int64
		n          uint32
	)
	if err := binary.Read(r, le, &dim); err != nil {
		return -1, nil, fmt.Errorf("read dimensions: %w", err)
	}
	if string(scheme) != c.Scheme() || int(dim) != c.Dimension() {
		return -1, nil, fmt.Errorf("%w: snapshot holds %s/%d codewords, codec is %s/%d",
			models.ErrValidation, scheme, dim, c.Scheme(), c.Dimension())
	}
	if err := binary.Read(r, le, &generation); err != nil {
		return -1, nil, fmt.Errorf("read generation: %w", err)
	}
	if err := binary.Read(r, le, &n); err != nil {
		return -1, nil, fmt.Errorf("read count: %w", err)
	}

	entries := make(map[string]codec.Codeword, n)
	for i := uint32(0); i < n; i++ {
		var idLen uint32
		if err := binary.Read(r, le, &idLen); err != nil {
			return -1, nil, fmt.Errorf("read id len: %w", err)
		}
		if idLen == 0 || idLen > maxIDLen {
			return -1, nil, fmt.Errorf("corrupt snapshot: id length %d", idLen)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return -1, nil, fmt.Errorf("read id: %w", err)
		}
		cw := make(codec.Codeword, c.Size())
		if _, err := io.ReadFull(r, cw); err != nil {
			return -1, nil, fmt.Errorf("read codeword: %w", err)
		}
		entries[string(id)] = cw
	}
	return generation, entries, nil
}
