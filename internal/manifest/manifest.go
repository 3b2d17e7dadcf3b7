// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package manifest persists a scan run's chunking results: one binary,
// length-prefixed encoding for compact storage and one line-delimited
// JSON encoding for human inspection and tailing. Writes are atomic:
// temp file, then rename, mirroring the teacher's backup-commit pattern.
package manifest

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/carabistouflette/chunkflow/internal/contracts"
)

// magic identifies the binary manifest format; mirrors the protocol
// package's 4-byte magic-then-version convention.
var magic = [4]byte{'C', 'K', 'M', 'F'}

// formatVersion is bumped whenever the binary record layout changes.
const formatVersion byte = 0x01

// Entry is one persisted file record: its path, chunking outcome and the
// wall-clock time the result was produced.
type Entry struct {
	Path       string
	Size       int64
	SparseSize int64
	FileDigest contracts.Digest
	ChunkDigests []contracts.Digest
	Err        string // empty on success
	RecordedAt time.Time
}

// FromChunkingResult builds an Entry from a completed chunking outcome.
func FromChunkingResult(r contracts.ChunkingResult, recordedAt time.Time) Entry {
	e := Entry{
		Path:         r.Path,
		Size:         r.TotalSize,
		SparseSize:   r.SparseSize,
		FileDigest:   r.FileDigest,
		ChunkDigests: r.ChunkDigests,
		RecordedAt:   recordedAt,
	}
	if r.Err != nil {
		e.Err = r.Err.Error()
	}
	return e
}

// jsonEntry mirrors Entry with hex-encoded digests for text-mode
// serialization; contracts.Digest is never interpreted outside its hex
// form, per its own doc comment.
type jsonEntry struct {
	Path         string   `json:"path"`
	Size         int64    `json:"size"`
	SparseSize   int64    `json:"sparse_size"`
	FileDigest   string   `json:"file_digest"`
	ChunkDigests []string `json:"chunk_digests,omitempty"`
	Err          string   `json:"error,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func (e Entry) toJSON() jsonEntry {
	digests := make([]string, len(e.ChunkDigests))
	for i, d := range e.ChunkDigests {
		digests[i] = d.Hex()
	}
	return jsonEntry{
		Path:         e.Path,
		Size:         e.Size,
		SparseSize:   e.SparseSize,
		FileDigest:   e.FileDigest.Hex(),
		ChunkDigests: digests,
		Err:          e.Err,
		RecordedAt:   e.RecordedAt,
	}
}

// WriteJSONLines writes entries as line-delimited JSON to path atomically:
// a temp file in the same directory is written and fsynced, then renamed
// over path.
func WriteJSONLines(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "manifest-*.tmp")
	if err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e.toJSON()); err != nil {
			tmp.Close()
			return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
	}
	if err := tmp.Close(); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteJSONLines", path, err)
	}
	return nil
}

// ReadJSONLines reads back a manifest written by WriteJSONLines.
func ReadJSONLines(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadJSONLines", path, err)
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var je jsonEntry
		if err := dec.Decode(&je); err != nil {
			return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadJSONLines", path, err)
		}
		entries = append(entries, fromJSON(je))
	}
	return entries, nil
}

func fromJSON(je jsonEntry) Entry {
	digests := make([]contracts.Digest, len(je.ChunkDigests))
	for i, hex := range je.ChunkDigests {
		digests[i] = decodeHex(hex)
	}
	return Entry{
		Path:         je.Path,
		Size:         je.Size,
		SparseSize:   je.SparseSize,
		FileDigest:   decodeHex(je.FileDigest),
		ChunkDigests: digests,
		Err:          je.Err,
		RecordedAt:   je.RecordedAt,
	}
}

func decodeHex(s string) contracts.Digest {
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi := hexNibble(s[i*2])
		lo := hexNibble(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return 0
	}
}

// WriteBinary writes entries in the compact binary format:
//
//	[Magic 4B] [Version 1B] [Count uint32 4B]
//	per entry: [PathLen uint16][Path] [Size int64] [SparseSize int64]
//	           [FileDigestLen uint16][FileDigest] [ChunkCount uint32]
//	           per chunk: [DigestLen uint16][Digest]
//	           [ErrLen uint16][Err] [RecordedAtUnixNano int64]
func WriteBinary(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "manifest-*.tmp")
	if err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(tmp)
	if err := writeBinaryTo(w, entries); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	if err := tmp.Close(); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return contracts.NewError(contracts.KindIoFailure, "manifest.WriteBinary", path, err)
	}
	return nil
}

func writeBinaryTo(w io.Writer, entries []Entry) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{formatVersion}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeString(w, e.Path); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.Size); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.SparseSize); err != nil {
			return err
		}
		if err := writeBytes(w, e.FileDigest); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, uint32(len(e.ChunkDigests))); err != nil {
			return err
		}
		for _, d := range e.ChunkDigests {
			if err := writeBytes(w, d); err != nil {
				return err
			}
		}
		if err := writeString(w, e.Err); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, e.RecordedAt.UnixNano()); err != nil {
			return err
		}
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > 1<<16-1 {
		return fmt.Errorf("manifest: field too long (%d bytes)", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// ReadBinary reads back a manifest written by WriteBinary.
func ReadBinary(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinary", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	entries, err := readBinaryFrom(r)
	if err != nil {
		return nil, contracts.NewError(contracts.KindIoFailure, "manifest.ReadBinary", path, err)
	}
	return entries, nil
}

func readBinaryFrom(r io.Reader) ([]Entry, error) {
	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("manifest: invalid magic bytes")
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != formatVersion {
		return nil, fmt.Errorf("manifest: unsupported format version %d", version[0])
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e Entry
		path, err := readString(r)
		if err != nil {
			return nil, err
		}
		e.Path = path

		if err := binary.Read(r, binary.BigEndian, &e.Size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &e.SparseSize); err != nil {
			return nil, err
		}
		digest, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		e.FileDigest = digest

		var chunkCount uint32
		if err := binary.Read(r, binary.BigEndian, &chunkCount); err != nil {
			return nil, err
		}
		e.ChunkDigests = make([]contracts.Digest, chunkCount)
		for j := uint32(0); j < chunkCount; j++ {
			cd, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			e.ChunkDigests[j] = cd
		}

		errStr, err := readString(r)
		if err != nil {
			return nil, err
		}
		e.Err = errStr

		var nanos int64
		if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
			return nil, err
		}
		e.RecordedAt = time.Unix(0, nanos).UTC()

		entries = append(entries, e)
	}
	return entries, nil
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytes(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
