// ABOUTME: Export/import of the full graph as a zstd-compressed JSON snapshot.
// ABOUTME: Snapshots are keyed by hex identity so they survive id-map resets.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/2389/wotgraph/internal/identity"
)

// snapshotVersion is bumped when the snapshot document layout changes.
const snapshotVersion = 1

// ExportSnapshot writes the full graph, keyed by identity, to w as a
// zstd-compressed JSON document.
func (s *Store) ExportSnapshot(w io.Writer) error {
	snap := Snapshot{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UTC(),
		Follows:    make(map[string][]string),
	}

	s.mu.RLock()
	for numID, entry := range s.follows {
		id, ok := s.keyByID[numID]
		if !ok {
			continue
		}
		followed := make([]string, 0, len(entry.follows))
		for _, fid := range entry.follows {
			if fidentity, ok := s.keyByID[fid]; ok {
				followed = append(followed, fidentity.Hex())
			}
		}
		snap.Follows[id.Hex()] = followed
	}
	s.mu.RUnlock()

	if lastCrawl, err := s.GetMeta(MetaLastCrawl); err == nil && lastCrawl != "" {
		snap.Meta = map[string]string{MetaLastCrawl: lastCrawl}
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating snapshot compressor: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		enc.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing snapshot: %w", err)
	}
	return nil
}

// ImportSnapshot fully replaces existing data with the snapshot read from r.
func (s *Store) ImportSnapshot(ctx context.Context, r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating snapshot decompressor: %w", err)
	}
	defer dec.Close()

	var snap Snapshot
	if err := json.NewDecoder(dec).Decode(&snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	// Validate every identity before touching existing data.
	parsed := make(map[identity.Identity][]identity.Identity, len(snap.Follows))
	for hexID, followed := range snap.Follows {
		id, err := identity.Parse(hexID)
		if err != nil {
			return fmt.Errorf("snapshot identity %q: %w", hexID, err)
		}
		fids := make([]identity.Identity, 0, len(followed))
		for _, fhex := range followed {
			fid, err := identity.Parse(fhex)
			if err != nil {
				return fmt.Errorf("snapshot follow %q of %q: %w", fhex, hexID, err)
			}
			fids = append(fids, fid)
		}
		parsed[id] = fids
	}

	if err := s.ClearAll(ctx); err != nil {
		return fmt.Errorf("clearing before import: %w", err)
	}

	importedAt := time.Now().UTC()
	for id, followed := range parsed {
		s.SaveEdges(id, followed, importedAt)
	}
	for key, value := range snap.Meta {
		if err := s.SetMeta(key, value); err != nil {
			return err
		}
	}

	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("flushing import: %w", err)
	}

	s.logger.Info("snapshot imported", "identities", len(parsed))
	return nil
}
