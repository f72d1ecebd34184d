// Package archive writes and restores portable snapshots of the engine's
// store: stored conflicts with their resolutions, and queued mutations.
//
// An archive is a tar.gz holding manifest.json plus one JSON-lines file per
// collection. With a password the whole tar.gz is sealed with AES-256-GCM.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/queue"
)

// FormatVersion is written into every manifest.
const FormatVersion = "1"

const (
	manifestName = "manifest.json"
	pageSize     = 500
	maxFileSize  = 256 << 20
)

// Collections lists the exported collections in archive order.
var Collections = []string{store.CollectionConflicts, store.CollectionMutations}

// Manifest describes an archive.
type Manifest struct {
	Version     string           `json:"version"`
	ExportedAt  time.Time        `json:"exportedAt"`
	Collections []CollectionInfo `json:"collections"`
	ItemCount   int              `json:"itemCount"`
	Checksum    string           `json:"checksum"`
	Encrypted   bool             `json:"encrypted"`
}

// CollectionInfo is one collection's entry in the manifest.
type CollectionInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ExportOptions configures Export.
type ExportOptions struct {
	// Password seals the archive when set.
	Password string
	Now      func() time.Time
}

// ImportResult reports what Import restored.
type ImportResult struct {
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Manifest *Manifest `json:"manifest"`
}

type line struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type file struct {
	name string
	data []byte
}

func fileName(collection string) string {
	return collection + ".jsonl"
}

// Export writes a snapshot of s to w and returns its manifest.
func Export(ctx context.Context, s store.Store, w io.Writer, opts ExportOptions) (*Manifest, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Password != "" && len(opts.Password) < MinPasswordLength {
		return nil, apperrors.Validation("password must be at least %d characters", MinPasswordLength)
	}

	manifest := &Manifest{
		Version:    FormatVersion,
		ExportedAt: opts.Now().UTC(),
		Encrypted:  opts.Password != "",
	}

	hash := sha256.New()
	files := make([]file, 0, len(Collections)+1)
	for _, collection := range Collections {
		data, count, err := dumpCollection(ctx, s, collection)
		if err != nil {
			return nil, err
		}
		hash.Write(data)
		files = append(files, file{name: fileName(collection), data: data})
		manifest.Collections = append(manifest.Collections, CollectionInfo{Name: collection, Count: count})
		manifest.ItemCount += count
	}
	manifest.Checksum = hex.EncodeToString(hash.Sum(nil))

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode manifest", err)
	}
	files = append([]file{{name: manifestName, data: manifestData}}, files...)

	var buf bytes.Buffer
	if err := writeTarGz(&buf, files, manifest.ExportedAt); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	if opts.Password != "" {
		if out, err = seal(out, opts.Password); err != nil {
			return nil, err
		}
	}
	if _, err := w.Write(out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "write archive", err)
	}

	logging.Info("Archive exported", map[string]interface{}{
		"items":     manifest.ItemCount,
		"bytes":     len(out),
		"encrypted": manifest.Encrypted,
	})
	return manifest, nil
}

func dumpCollection(ctx context.Context, s store.Store, collection string) ([]byte, int, error) {
	var buf bytes.Buffer
	count := 0
	after := ""
	for {
		page, err := s.Page(ctx, collection, after, pageSize)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range page {
			encoded, err := json.Marshal(line{ID: e.ID, Data: e.Data})
			if err != nil {
				return nil, 0, apperrors.Wrap(apperrors.ErrInternal, "encode "+collection+"/"+e.ID, err)
			}
			buf.Write(encoded)
			buf.WriteByte('\n')
			count++
		}
		if len(page) < pageSize {
			return buf.Bytes(), count, nil
		}
		after = page[len(page)-1].ID
	}
}

func writeTarGz(w io.Writer, files []file, modTime time.Time) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o600,
			Size:    int64(len(f.data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "write tar header", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "write tar entry", err)
		}
	}
	if err := tw.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "close tar", err)
	}
	if err := gz.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "close gzip", err)
	}
	return nil
}

// Import restores an archive into s. Every record is decoded and validated
// before the first write; one bad record rejects the whole archive. Records
// whose id already exists in s are left untouched and counted as skipped, so
// importing twice is harmless.
func Import(ctx context.Context, s store.Store, r io.Reader, password string) (*ImportResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "read archive", err)
	}
	if isEncrypted(data) {
		if data, err = open(data, password); err != nil {
			return nil, err
		}
	}

	files, err := readTarGz(data)
	if err != nil {
		return nil, err
	}
	manifest, err := verify(files)
	if err != nil {
		return nil, err
	}

	entries := make(map[string][]line, len(manifest.Collections))
	for _, info := range manifest.Collections {
		lines, err := decodeCollection(info.Name, files[fileName(info.Name)])
		if err != nil {
			return nil, err
		}
		entries[info.Name] = lines
	}

	result := &ImportResult{Manifest: manifest}
	for _, info := range manifest.Collections {
		if err := restore(ctx, s, info.Name, entries[info.Name], result); err != nil {
			return nil, err
		}
	}

	logging.Info("Archive imported", map[string]interface{}{
		"imported": result.Imported,
		"skipped":  result.Skipped,
	})
	return result, nil
}

func readTarGz(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "not a pricewatch archive", err)
	}
	defer gz.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "read tar entry", err)
		}
		if hdr.Size > maxFileSize {
			return nil, apperrors.Validation("archive entry %s is too large", hdr.Name)
		}
		body, err := io.ReadAll(io.LimitReader(tr, maxFileSize))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "read "+hdr.Name, err)
		}
		files[hdr.Name] = body
	}
}

// verify decodes the manifest and checks the data files against its checksum.
func verify(files map[string][]byte) (*Manifest, error) {
	raw, ok := files[manifestName]
	if !ok {
		return nil, apperrors.Validation("archive has no %s", manifestName)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "decode manifest", err)
	}
	if manifest.Version != FormatVersion {
		return nil, apperrors.Validation("unsupported archive version %q", manifest.Version)
	}

	known := make(map[string]bool, len(Collections))
	for _, c := range Collections {
		known[c] = true
	}

	hash := sha256.New()
	for _, info := range manifest.Collections {
		if !known[info.Name] {
			return nil, apperrors.Validation("unknown collection %q in archive", info.Name)
		}
		data, ok := files[fileName(info.Name)]
		if !ok {
			return nil, apperrors.Validation("archive is missing %s", fileName(info.Name))
		}
		hash.Write(data)
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != manifest.Checksum {
		return nil, apperrors.Validation("archive checksum mismatch")
	}
	return &manifest, nil
}

// decodeCollection parses a collection file and checks every record, so a
// bad archive is rejected before anything is written.
func decodeCollection(collection string, data []byte) ([]line, error) {
	var lines []line
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), maxFileSize)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "decode "+collection+" entry", err)
		}
		if l.ID == "" {
			return nil, apperrors.Validation("%s entry without id", collection)
		}
		if seen[l.ID] {
			return nil, apperrors.Validation("duplicate %s entry %s", collection, l.ID)
		}
		seen[l.ID] = true
		if err := checkRecord(collection, l); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "scan "+collection, err)
	}
	return lines, nil
}

// checkRecord decodes one archived record into its model and validates it.
func checkRecord(collection string, l line) error {
	var (
		id  string
		err error
	)
	switch collection {
	case store.CollectionConflicts:
		var c models.Conflict
		if err = json.Unmarshal(l.Data, &c); err == nil {
			id, err = c.ID, c.Validate()
		}
	case store.CollectionMutations:
		var m models.PendingMutation
		if err = json.Unmarshal(l.Data, &m); err == nil {
			id, err = m.ID, checkMutation(&m)
		}
	default:
		return apperrors.Validation("unknown collection %q in archive", collection)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid "+collection+" entry "+l.ID, err)
	}
	if id != l.ID {
		return apperrors.Validation("%s entry %s holds record %s", collection, l.ID, id)
	}
	return nil
}

func checkMutation(m *models.PendingMutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	item, err := queue.FromModel(m)
	if err != nil {
		return err
	}
	if item.Record.ID() == "" {
		return apperrors.Validation("mutation %s carries a record without id", m.ID)
	}
	return nil
}

func restore(ctx context.Context, s store.Store, collection string, lines []line, result *ImportResult) error {
	for _, l := range lines {
		_, err := s.Get(ctx, collection, l.ID)
		switch {
		case err == nil:
			result.Skipped++
			continue
		case !apperrors.Is(err, apperrors.ErrNotFound):
			return err
		}
		if err := s.Put(ctx, collection, l.ID, l.Data); err != nil {
			return err
		}
		result.Imported++
	}
	return nil
}
