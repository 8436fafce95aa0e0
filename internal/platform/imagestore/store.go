// Package imagestore persists received instances and derived thumbnails on
// the local filesystem, date-partitioned, with payload-size and disk-quota
// guards.
package imagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ris/ris/internal/platform/faults"
)

type Store struct {
	root            string
	thumbRoot       string
	maxPayloadBytes int64
	quotaPercent    int
	logger          zerolog.Logger
}

func New(root, thumbRoot string, maxPayloadBytes int64, quotaPercent int, logger zerolog.Logger) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	absThumb, err := filepath.Abs(thumbRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve thumbnail root: %w", err)
	}
	for _, dir := range []string{absRoot, absThumb} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	return &Store{
		root:            absRoot,
		thumbRoot:       absThumb,
		maxPayloadBytes: maxPayloadBytes,
		quotaPercent:    quotaPercent,
		logger:          logger.With().Str("component", "imagestore").Logger(),
	}, nil
}

// CapacityInfo is a point-in-time view of the storage volume.
type CapacityInfo struct {
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Capacity reports the usage of the volume backing the storage root.
func (s *Store) Capacity() (CapacityInfo, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(s.root, &st); err != nil {
		return CapacityInfo{}, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	info := CapacityInfo{TotalBytes: total, FreeBytes: free}
	if total > 0 {
		info.UsedPercent = float64(total-free) / float64(total) * 100
	}
	return info, nil
}

// CheckCapacity rejects payloads that exceed the single-instance limit or
// would land on a volume already past the usage quota. Both failures are
// faults.ErrCapacity.
func (s *Store) CheckCapacity(payloadSize int64) error {
	if s.maxPayloadBytes > 0 && payloadSize > s.maxPayloadBytes {
		return faults.Capacityf("payload of %d bytes exceeds limit of %d", payloadSize, s.maxPayloadBytes)
	}
	info, err := s.Capacity()
	if err != nil {
		// A broken statfs must not reject uploads on its own.
		s.logger.Warn().Err(err).Msg("capacity probe failed, skipping quota check")
		return nil
	}
	if s.quotaPercent > 0 && info.UsedPercent >= float64(s.quotaPercent) {
		return faults.Capacityf("storage volume at %.1f%%, quota is %d%%", info.UsedPercent, s.quotaPercent)
	}
	return nil
}

// instancePath places instances under a per-study-date directory. Instances
// with no study date, or whose partition directory cannot be created, land
// directly under the root so the upload is never lost to a path problem.
// MkdirAll tolerates a concurrent handler creating the same day directory.
func (s *Store) instancePath(sopInstanceUID string, studyDate *time.Time) (string, error) {
	name := sopInstanceUID + ".dcm"
	partition := s.root
	if studyDate != nil {
		dir := filepath.Join(s.root, studyDate.Format("20060102"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn().Err(err).Str("dir", dir).Msg("partition dir unavailable, storing at root")
		} else {
			partition = dir
		}
	}
	return s.guard(filepath.Join(partition, name), s.root)
}

// guard rejects any resolved path that escapes the root it is meant to live
// under. UIDs come off the wire and are never trusted as path components;
// each write is checked against its own root, never a sibling root.
func (s *Store) guard(path, root string) (string, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return "", faults.Validationf("instance path escapes storage root")
	}
	return clean, nil
}

// WriteInstance stores one received instance and returns its path.
func (s *Store) WriteInstance(sopInstanceUID string, studyDate *time.Time, payload []byte) (string, error) {
	path, err := s.instancePath(sopInstanceUID, studyDate)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", faults.Persistencef("write instance %s: %v", sopInstanceUID, err)
	}
	return path, nil
}

// Remove deletes stored files best-effort; missing files are not an error.
// Used to clean up partial writes when ingestion fails after the file stage.
func (s *Store) Remove(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", p).Msg("cleanup failed")
		}
	}
}
