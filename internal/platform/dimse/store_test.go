package dimse

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/ris/ris/internal/domain/image"
	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/faults"
	"github.com/ris/ris/internal/platform/imagestore"
)

type passthroughRunner struct{}

func (passthroughRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memImageRepo struct {
	images       map[string]*image.Image
	measurements []*image.Measurement
}

func newMemImageRepo() *memImageRepo {
	return &memImageRepo{images: make(map[string]*image.Image)}
}

func (m *memImageRepo) Create(_ context.Context, img *image.Image) error {
	if _, ok := m.images[img.SOPInstanceUID]; ok {
		return faults.ErrDuplicate
	}
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	m.images[img.SOPInstanceUID] = img
	return nil
}

func (m *memImageRepo) GetBySOPInstanceUID(_ context.Context, uid string) (*image.Image, error) {
	img, ok := m.images[uid]
	if !ok {
		return nil, faults.ErrNotFound
	}
	return img, nil
}

func (m *memImageRepo) ListByStudyUID(_ context.Context, studyUID string) ([]*image.Image, error) {
	var out []*image.Image
	for _, img := range m.images {
		if img.StudyInstanceUID == studyUID {
			out = append(out, img)
		}
	}
	return out, nil
}

func (m *memImageRepo) CreateMeasurement(_ context.Context, ms *image.Measurement) error {
	m.measurements = append(m.measurements, ms)
	return nil
}

func (m *memImageRepo) ListMeasurementsByStudyUID(_ context.Context, studyUID string) ([]*image.Measurement, error) {
	var out []*image.Measurement
	for _, ms := range m.measurements {
		if ms.StudyInstanceUID == studyUID {
			out = append(out, ms)
		}
	}
	return out, nil
}

type memBinder struct {
	visits map[string]*visit.Visit
}

func (b *memBinder) GetByAccession(_ context.Context, accession string) (*visit.Visit, error) {
	v, ok := b.visits[accession]
	if !ok {
		return nil, faults.ErrNotFound
	}
	return v, nil
}

func (b *memBinder) RecordStudyUID(_ context.Context, v *visit.Visit, studyUID string) error {
	if v.StudyInstanceUID == nil && studyUID != "" {
		uid := studyUID
		v.StudyInstanceUID = &uid
	}
	return nil
}

type memQueue struct {
	published []string
	err       error
}

func (q *memQueue) PublishStored(_ context.Context, sopInstanceUID, _ string) error {
	if q.err != nil {
		return q.err
	}
	q.published = append(q.published, sopInstanceUID)
	return nil
}

func uploadPayload(t *testing.T, sopUID string, extra map[tag.Tag]interface{}) []byte {
	t.Helper()
	elements := []*dicom.Element{}
	add := func(tg tag.Tag, v interface{}) {
		elem, err := dicom.NewElement(tg, v)
		if err != nil {
			t.Fatalf("NewElement %v: %v", tg, err)
		}
		elements = append(elements, elem)
	}
	add(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"})
	add(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.6.1"})
	add(tag.SOPInstanceUID, []string{sopUID})
	add(tag.StudyInstanceUID, []string{"1.2.840.99.200"})
	add(tag.SeriesInstanceUID, []string{"1.2.840.99.200.0"})
	add(tag.Modality, []string{"US"})
	for tg, v := range extra {
		add(tg, v)
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	return buf.Bytes()
}

func newStoreSCP(t *testing.T, maxPayload int64) (*StoreSCP, *memImageRepo, *memBinder, *memQueue) {
	t.Helper()
	base := t.TempDir()
	store, err := imagestore.New(filepath.Join(base, "instances"), filepath.Join(base, "thumbs"), maxPayload, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("imagestore.New: %v", err)
	}
	images := newMemImageRepo()
	binder := &memBinder{visits: make(map[string]*visit.Visit)}
	queue := &memQueue{}
	scp := NewStoreSCP(images, binder, store, passthroughRunner{}, queue, "US", zerolog.Nop())
	return scp, images, binder, queue
}

func TestStoreIngest(t *testing.T) {
	scp, images, binder, queue := newStoreSCP(t, 0)
	binder.visits["ACC00000009"] = &visit.Visit{
		ID:              uuid.New(),
		AccessionNumber: "ACC00000009",
		Status:          visit.StatusInProgress,
	}

	payload := uploadPayload(t, "1.2.840.99.200.1", map[tag.Tag]interface{}{
		tag.AccessionNumber: []string{"ACC00000009"},
		tag.StudyDate:       []string{"20260314"},
		tag.Rows:            []int{480},
		tag.Columns:         []int{640},
		tag.PixelSpacing:    []string{"0.10", "0.10"},
	})

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if len(responses) != 1 || responses[0].Status != StatusSuccess {
		t.Fatalf("ingest status = %#x, want success", responses[0].Status)
	}

	img, err := images.GetBySOPInstanceUID(context.Background(), "1.2.840.99.200.1")
	if err != nil {
		t.Fatalf("image not cataloged: %v", err)
	}
	if img.StudyInstanceUID != "1.2.840.99.200" {
		t.Errorf("study uid = %q", img.StudyInstanceUID)
	}
	if filepath.Base(filepath.Dir(img.FilePath)) != "20260314" {
		t.Errorf("expected study-date partition, got %s", img.FilePath)
	}
	if _, err := os.Stat(img.FilePath); err != nil {
		t.Errorf("stored file missing: %v", err)
	}

	// Visit bound to the study, first-writer-wins.
	v := binder.visits["ACC00000009"]
	if v.StudyInstanceUID == nil || *v.StudyInstanceUID != "1.2.840.99.200" {
		t.Errorf("visit study uid = %v", v.StudyInstanceUID)
	}

	// Field-of-view measurements derived for the measured modality.
	if len(images.measurements) != 2 {
		t.Fatalf("expected 2 measurements, got %d", len(images.measurements))
	}
	for _, m := range images.measurements {
		if m.Unit != "mm" || m.Value <= 0 {
			t.Errorf("bad measurement: %+v", m)
		}
	}

	if len(queue.published) != 1 {
		t.Errorf("expected 1 enqueued instance, got %d", len(queue.published))
	}
}

func TestStoreIngest_Duplicate(t *testing.T) {
	scp, images, _, queue := newStoreSCP(t, 0)
	payload := uploadPayload(t, "1.2.840.99.200.2", nil)

	first := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if first[0].Status != StatusSuccess {
		t.Fatalf("first ingest = %#x", first[0].Status)
	}
	second := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if second[0].Status != StatusSuccess {
		t.Errorf("retransmission = %#x, want success", second[0].Status)
	}
	if len(images.images) != 1 {
		t.Errorf("expected 1 cataloged image, got %d", len(images.images))
	}
	if len(queue.published) != 1 {
		t.Errorf("retransmission must not enqueue again, got %d", len(queue.published))
	}
}

func TestStoreIngest_MissingIdentifiers(t *testing.T) {
	scp, images, _, _ := newStoreSCP(t, 0)

	elements := []*dicom.Element{}
	for _, e := range [][2]interface{}{
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.6.1"}},
		{tag.SOPInstanceUID, []string{"1.2.840.99.200.3"}},
		{tag.Modality, []string{"US"}},
	} {
		elem, err := dicom.NewElement(e[0].(tag.Tag), e[1])
		if err != nil {
			t.Fatalf("NewElement: %v", err)
		}
		elements = append(elements, elem)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: buf.Bytes()})
	if responses[0].Status != StatusCannotUnderstand {
		t.Errorf("status = %#x, want cannot-understand", responses[0].Status)
	}
	if len(images.images) != 0 {
		t.Error("rejected upload must not be cataloged")
	}
}

func TestStoreIngest_UnsupportedStorageClass(t *testing.T) {
	scp, images, _, _ := newStoreSCP(t, 0)

	// Secondary Capture is outside the negotiated ultrasound classes.
	elements := []*dicom.Element{}
	for _, e := range [][2]interface{}{
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}},
		{tag.SOPInstanceUID, []string{"1.2.840.99.200.7"}},
		{tag.StudyInstanceUID, []string{"1.2.840.99.200"}},
		{tag.SeriesInstanceUID, []string{"1.2.840.99.200.0"}},
		{tag.Modality, []string{"OT"}},
	} {
		elem, err := dicom.NewElement(e[0].(tag.Tag), e[1])
		if err != nil {
			t.Fatalf("NewElement: %v", err)
		}
		elements = append(elements, elem)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: buf.Bytes()})
	if responses[0].Status != StatusCannotUnderstand {
		t.Errorf("status = %#x, want cannot-understand", responses[0].Status)
	}
	if len(images.images) != 0 {
		t.Error("unsupported storage class must not be cataloged")
	}
}

func TestStoreIngest_MultiframeClassAccepted(t *testing.T) {
	scp, images, _, _ := newStoreSCP(t, 0)

	elements := []*dicom.Element{}
	for _, e := range [][2]interface{}{
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.3.1"}},
		{tag.SOPInstanceUID, []string{"1.2.840.99.200.8"}},
		{tag.StudyInstanceUID, []string{"1.2.840.99.200"}},
		{tag.SeriesInstanceUID, []string{"1.2.840.99.200.0"}},
		{tag.Modality, []string{"US"}},
	} {
		elem, err := dicom.NewElement(e[0].(tag.Tag), e[1])
		if err != nil {
			t.Fatalf("NewElement: %v", err)
		}
		elements = append(elements, elem)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elements}); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: buf.Bytes()})
	if responses[0].Status != StatusSuccess {
		t.Errorf("status = %#x, want success for multi-frame class", responses[0].Status)
	}
	if len(images.images) != 1 {
		t.Error("multi-frame upload must be cataloged")
	}
}

func TestStoreIngest_Garbage(t *testing.T) {
	scp, _, _, _ := newStoreSCP(t, 0)
	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: []byte("junk")})
	if responses[0].Status != StatusCannotUnderstand {
		t.Errorf("status = %#x, want cannot-understand", responses[0].Status)
	}
}

func TestStoreIngest_Oversize(t *testing.T) {
	scp, images, _, _ := newStoreSCP(t, 64)
	payload := uploadPayload(t, "1.2.840.99.200.4", nil)
	if int64(len(payload)) <= 64 {
		t.Fatalf("test payload unexpectedly small: %d bytes", len(payload))
	}

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if responses[0].Status != StatusOutOfResources {
		t.Errorf("status = %#x, want out-of-resources", responses[0].Status)
	}
	if len(images.images) != 0 {
		t.Error("oversize upload must not be cataloged")
	}
}

func TestStoreIngest_UnknownAccessionTolerated(t *testing.T) {
	scp, images, _, _ := newStoreSCP(t, 0)
	payload := uploadPayload(t, "1.2.840.99.200.5", map[tag.Tag]interface{}{
		tag.AccessionNumber: []string{"ACC99999999"},
	})

	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if responses[0].Status != StatusSuccess {
		t.Errorf("status = %#x, want success despite unknown accession", responses[0].Status)
	}
	if len(images.images) != 1 {
		t.Error("upload with unknown accession must still be cataloged")
	}
}

func TestStoreIngest_EnqueueFailureIgnored(t *testing.T) {
	scp, images, _, queue := newStoreSCP(t, 0)
	queue.err = context.DeadlineExceeded

	payload := uploadPayload(t, "1.2.840.99.200.6", nil)
	responses := scp.Handle(&Message{Command: CmdCStoreRQ, Payload: payload})
	if responses[0].Status != StatusSuccess {
		t.Errorf("status = %#x, enqueue failure must not fail ingest", responses[0].Status)
	}
	if len(images.images) != 1 {
		t.Error("image must be cataloged even when enqueue fails")
	}
}
