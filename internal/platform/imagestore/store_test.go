package imagestore

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ris/ris/internal/platform/faults"
)

func newTestStore(t *testing.T, maxPayload int64, quotaPercent int) *Store {
	t.Helper()
	base := t.TempDir()
	s, err := New(filepath.Join(base, "instances"), filepath.Join(base, "thumbs"), maxPayload, quotaPercent, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestWriteInstance(t *testing.T) {
	s := newTestStore(t, 0, 0)
	studyDate := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	payload := []byte{0x44, 0x49, 0x43, 0x4d}
	path, err := s.WriteInstance("1.2.840.99.1", &studyDate, payload)
	if err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "20260314" {
		t.Errorf("expected date partition 20260314, got path %s", path)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(payload) {
		t.Error("stored payload differs from input")
	}
}

func TestWriteInstance_NoStudyDate(t *testing.T) {
	s := newTestStore(t, 0, 0)

	path, err := s.WriteInstance("1.2.840.99.2", nil, []byte("x"))
	if err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	if filepath.Dir(path) != s.root {
		t.Errorf("dateless instance should land at root, got %s", path)
	}
}

func TestWriteInstance_TraversalRejected(t *testing.T) {
	s := newTestStore(t, 0, 0)

	_, err := s.WriteInstance("../../escape", nil, []byte("x"))
	if !errors.Is(err, faults.ErrValidation) {
		t.Errorf("traversal uid err = %v, want ErrValidation", err)
	}
}

func TestWriteInstance_SiblingRootRejected(t *testing.T) {
	s := newTestStore(t, 0, 0)

	// A UID that climbs out of the instance root and back down into the
	// thumbnail root must not pass just because it lands under some root.
	uid := "../" + filepath.Base(s.thumbRoot) + "/escape"
	_, err := s.WriteInstance(uid, nil, []byte("x"))
	if !errors.Is(err, faults.ErrValidation) {
		t.Errorf("sibling-root uid err = %v, want ErrValidation", err)
	}
	if _, statErr := os.Stat(filepath.Join(s.thumbRoot, "escape.dcm")); !os.IsNotExist(statErr) {
		t.Error("expected no file written under the thumbnail root")
	}
}

func TestCheckCapacity_PayloadLimit(t *testing.T) {
	s := newTestStore(t, 16, 0)

	if err := s.CheckCapacity(16); err != nil {
		t.Errorf("payload at limit should pass, got %v", err)
	}
	if err := s.CheckCapacity(17); !errors.Is(err, faults.ErrCapacity) {
		t.Errorf("oversize payload err = %v, want ErrCapacity", err)
	}
}

func TestCheckCapacity_Quota(t *testing.T) {
	// quota of 1 percent trips on any real filesystem with data on it;
	// quota of 100 never trips because UsedPercent < 100 on a writable volume.
	s := newTestStore(t, 0, 100)
	if err := s.CheckCapacity(1); err != nil {
		t.Errorf("generous quota should pass, got %v", err)
	}

	info, err := s.Capacity()
	if err != nil {
		t.Fatalf("Capacity: %v", err)
	}
	if info.TotalBytes == 0 {
		t.Error("expected non-zero volume size")
	}
	if info.UsedPercent < 0 || info.UsedPercent > 100 {
		t.Errorf("used percent out of range: %f", info.UsedPercent)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, 0, 0)

	path, err := s.WriteInstance("1.2.3", nil, []byte("x"))
	if err != nil {
		t.Fatalf("WriteInstance: %v", err)
	}
	s.Remove(path, "", filepath.Join(s.root, "never-existed.dcm"))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected file removed")
	}
}

func TestScaleToFit(t *testing.T) {
	cases := []struct {
		w, h, maxDim, wantW, wantH int
	}{
		{512, 256, 256, 256, 128},
		{256, 512, 256, 128, 256},
		{100, 50, 256, 100, 50},
		{1024, 1024, 256, 256, 256},
	}
	for _, tc := range cases {
		src := image.NewGray(image.Rect(0, 0, tc.w, tc.h))
		out := scaleToFit(src, tc.maxDim)
		b := out.Bounds()
		if b.Dx() != tc.wantW || b.Dy() != tc.wantH {
			t.Errorf("scaleToFit(%dx%d, %d) = %dx%d, want %dx%d",
				tc.w, tc.h, tc.maxDim, b.Dx(), b.Dy(), tc.wantW, tc.wantH)
		}
	}
}
