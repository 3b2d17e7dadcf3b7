// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package manifest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// Compression selects the codec wrapping a binary manifest on disk.
// Mirrors the protocol package's gzip/zstd compression byte constants.
type Compression byte

const (
	// CompressionNone stores the binary manifest uncompressed.
	CompressionNone Compression = iota
	// CompressionGzip wraps it in parallel gzip (pgzip), cheap to decode
	// and friendly to tooling that already speaks gzip.
	CompressionGzip
	// CompressionZstd wraps it in zstd, trading CPU for a better ratio on
	// repetitive digest data.
	CompressionZstd
)

var compressionMagic = map[Compression][4]byte{
	CompressionNone: {'C', 'K', 'M', 'F'},
	CompressionGzip: {'C', 'K', 'M', 'G'},
	CompressionZstd: {'C', 'K', 'M', 'Z'},
}

// WriteBinaryCompressed writes entries as a binary manifest wrapped in the
// given compression codec, atomically via temp-file-then-rename.
func WriteBinaryCompressed(path string, entries []Entry, c Compression) error {
	if c == CompressionNone {
		return WriteBinary(path, entries)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "manifest-*.tmp")
	if err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	bw := bufio.NewWriter(tmp)
	tag := compressionMagic[c]
	if _, err := bw.Write(tag[:]); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}

	var cw io.WriteCloser
	switch c {
	case CompressionGzip:
		cw = pgzip.NewWriter(bw)
	case CompressionZstd:
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			tmp.Close()
			return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
		}
		cw = zw
	default:
		tmp.Close()
		return contracts.NewError(contracts.KindInvalidArgument, "manifest.WriteBinaryCompressed", path, fmt.Errorf("unknown compression %d", c))
	}

	if err := writeBinaryTo(cw, entries); err != nil {
		cw.Close()
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	if err := cw.Close(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	if err := tmp.Close(); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinaryCompressed", path, err)
	}
	return nil
}

// ReadBinaryCompressed reads back a manifest written by
// WriteBinaryCompressed, auto-detecting the codec from its leading tag.
func ReadBinaryCompressed(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var tag [4]byte
	if _, err := io.ReadFull(br, tag[:]); err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
	}

	switch tag {
	case compressionMagic[CompressionNone]:
		// readBinaryFrom expects to read the magic itself; replay the 4
		// bytes already consumed while probing the codec tag.
		entries, err := readBinaryFrom(io.MultiReader(bytes.NewReader(tag[:]), br))
		if err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
		}
		return entries, nil
	case compressionMagic[CompressionGzip]:
		gr, err := pgzip.NewReader(br)
		if err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
		}
		defer gr.Close()
		entries, err := readBinaryFrom(gr)
		if err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
		}
		return entries, nil
	case compressionMagic[CompressionZstd]:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
		}
		defer zr.Close()
		entries, err := readBinaryFrom(zr)
		if err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinaryCompressed", path, err)
		}
		return entries, nil
	default:
		return nil, contracts.NewError(contracts.KindInvalidArgument, "manifest.ReadBinaryCompressed", path, fmt.Errorf("unrecognized manifest tag"))
	}
}
