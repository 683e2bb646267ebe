// Package worldsnap writes point-in-time catalog archives for backup
// and world export. The format is a JSON header line followed by a gob
// body, zstd-compressed. SQLite remains the live store; archives are
// for cold copies and the admin export command.
package worldsnap

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"stagecraft.dev/internal/protocol"
)

func init() {
	// Props/state bags hold decoded JSON and CBOR values.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

type Header struct {
	Version   int    `json:"version"`
	WorldID   string `json:"world_id"`
	TakenAt   int64  `json:"taken_at"`
	CommitSeq uint64 `json:"commit_seq"`
}

type ArchiveV1 struct {
	Header Header `json:"header"`

	Blueprints []protocol.Blueprint `json:"blueprints"`
	Entities   []protocol.Entity    `json:"entities"`
	Settings   protocol.Settings    `json:"settings"`
}

func Write(path, worldID string, commitSeq uint64, snap protocol.SnapshotMsg) error {
	arch := ArchiveV1{
		Header: Header{
			Version:   1,
			WorldID:   worldID,
			TakenAt:   time.Now().Unix(),
			CommitSeq: commitSeq,
		},
		Blueprints: snap.Blueprints,
		Entities:   snap.Entities,
		Settings:   snap.Settings,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(arch.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&arch); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (ArchiveV1, error) {
	var arch ArchiveV1
	f, err := os.Open(path)
	if err != nil {
		return arch, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return arch, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; the gob body carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&arch); err != nil {
		return arch, fmt.Errorf("gob decode: %w", err)
	}
	return arch, nil
}

// PeekHeader reads only the JSON header line, for listing archives
// without decoding the body.
func PeekHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReaderSize(dec, 64*1024).ReadBytes('\n')
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("archive header: %w", err)
	}
	return h, nil
}
