package order

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ris/ris/internal/domain/visit"
	"github.com/ris/ris/internal/platform/faults"
)

type passthroughRunner struct{}

func (passthroughRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockOrderRepo struct {
	orders map[uuid.UUID]*Order
	// forceAssignLoss makes the next AssignKeys report a lost conditional
	// update even though the caller saw no keys.
	forceAssignLoss bool
	winnerKeys      *Keys
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[uuid.UUID]*Order)}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.Seq = int64(len(m.orders) + 1)
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByAccession(_ context.Context, accession string) (*Order, error) {
	for _, o := range m.orders {
		if o.AccessionNumber != nil && *o.AccessionNumber == accession {
			cp := *o
			return &cp, nil
		}
	}
	return nil, faults.ErrNotFound
}

func (m *mockOrderRepo) AssignKeys(_ context.Context, id uuid.UUID, keys Keys) (bool, error) {
	o, ok := m.orders[id]
	if !ok {
		return false, faults.ErrNotFound
	}
	if m.forceAssignLoss {
		m.forceAssignLoss = false
		if m.winnerKeys != nil {
			o.AccessionNumber = &m.winnerKeys.AccessionNumber
			o.RequestedProcedureID = &m.winnerKeys.RequestedProcedureID
			o.ScheduledStepID = &m.winnerKeys.ScheduledProcedureStepID
		}
		return false, nil
	}
	if o.AccessionNumber != nil {
		return false, nil
	}
	o.AccessionNumber = &keys.AccessionNumber
	o.RequestedProcedureID = &keys.RequestedProcedureID
	o.ScheduledStepID = &keys.ScheduledProcedureStepID
	return true, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	o, ok := m.orders[id]
	if !ok {
		return faults.ErrNotFound
	}
	o.Status = status
	return nil
}

func (m *mockOrderRepo) ListWorklistEligible(_ context.Context, day *time.Time) ([]*Order, error) {
	var out []*Order
	for _, o := range m.orders {
		if o.DeletedAt != nil || !o.HasKeys() || !o.Status.WorklistEligible() {
			continue
		}
		if day != nil {
			y1, m1, d1 := o.ScheduledAt.Date()
			y2, m2, d2 := day.Date()
			if y1 != y2 || m1 != m2 || d1 != d2 {
				continue
			}
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

type mockVisitRepo struct {
	visits map[string]*visit.Visit
}

func newMockVisitRepo() *mockVisitRepo {
	return &mockVisitRepo{visits: make(map[string]*visit.Visit)}
}

func (m *mockVisitRepo) Create(_ context.Context, v *visit.Visit) error {
	if _, ok := m.visits[v.AccessionNumber]; ok {
		return faults.Conflictf("accession %s already exists", v.AccessionNumber)
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	cp := *v
	m.visits[v.AccessionNumber] = &cp
	return nil
}

func (m *mockVisitRepo) GetByID(_ context.Context, id uuid.UUID) (*visit.Visit, error) {
	for _, v := range m.visits {
		if v.ID == id {
			cp := *v
			return &cp, nil
		}
	}
	return nil, faults.ErrNotFound
}

func (m *mockVisitRepo) GetByAccession(_ context.Context, accession string) (*visit.Visit, error) {
	v, ok := m.visits[accession]
	if !ok {
		return nil, faults.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *mockVisitRepo) GetByOrderID(_ context.Context, orderID uuid.UUID) (*visit.Visit, error) {
	for _, v := range m.visits {
		if v.OrderID == orderID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, faults.ErrNotFound
}

func (m *mockVisitRepo) UpdateStatus(_ context.Context, id uuid.UUID, status visit.Status) error {
	for _, v := range m.visits {
		if v.ID == id {
			v.Status = status
			return nil
		}
	}
	return faults.ErrNotFound
}

func (m *mockVisitRepo) SetStudyUIDIfEmpty(_ context.Context, id uuid.UUID, studyUID string) (bool, error) {
	for _, v := range m.visits {
		if v.ID == id {
			if v.StudyInstanceUID != nil {
				return false, nil
			}
			uid := studyUID
			v.StudyInstanceUID = &uid
			return true, nil
		}
	}
	return false, faults.ErrNotFound
}

func (m *mockVisitRepo) SoftDelete(_ context.Context, id uuid.UUID) error {
	for _, v := range m.visits {
		if v.ID == id {
			now := time.Now()
			v.DeletedAt = &now
			return nil
		}
	}
	return faults.ErrNotFound
}

func newTestService(repo *mockOrderRepo, visits *mockVisitRepo) *Service {
	return NewService(repo, visits, passthroughRunner{}, zerolog.Nop())
}

func seedOrder(t *testing.T, repo *mockOrderRepo) *Order {
	t.Helper()
	o := &Order{
		PatientID:   uuid.New(),
		ScheduledAt: time.Now(),
		Status:      StatusWaiting,
		Modality:    "US",
	}
	if err := repo.Create(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestDeriveKeys(t *testing.T) {
	keys := DeriveKeys(42)
	if keys.AccessionNumber != "ACC00000042" {
		t.Errorf("accession = %q, want ACC00000042", keys.AccessionNumber)
	}
	if keys.RequestedProcedureID != "RQ00000042" {
		t.Errorf("requested procedure id = %q, want RQ00000042", keys.RequestedProcedureID)
	}
	if keys.ScheduledProcedureStepID != "SP00000042" {
		t.Errorf("step id = %q, want SP00000042", keys.ScheduledProcedureStepID)
	}
}

func TestPublishToWorklist(t *testing.T) {
	repo := newMockOrderRepo()
	visits := newMockVisitRepo()
	svc := newTestService(repo, visits)
	ctx := context.Background()

	o := seedOrder(t, repo)
	keys, err := svc.PublishToWorklist(ctx, o.ID)
	if err != nil {
		t.Fatalf("PublishToWorklist: %v", err)
	}
	if keys.AccessionNumber != "ACC00000001" {
		t.Errorf("accession = %q, want ACC00000001", keys.AccessionNumber)
	}

	v, err := visits.GetByAccession(ctx, keys.AccessionNumber)
	if err != nil {
		t.Fatalf("visit not created: %v", err)
	}
	if v.OrderID != o.ID {
		t.Error("visit bound to wrong order")
	}
	if v.Status != visit.StatusScheduled {
		t.Errorf("visit status = %s, want scheduled", v.Status)
	}
}

func TestPublishToWorklist_Idempotent(t *testing.T) {
	repo := newMockOrderRepo()
	visits := newMockVisitRepo()
	svc := newTestService(repo, visits)
	ctx := context.Background()

	o := seedOrder(t, repo)
	first, err := svc.PublishToWorklist(ctx, o.ID)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second, err := svc.PublishToWorklist(ctx, o.ID)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if first != second {
		t.Errorf("republish changed keys: %+v vs %+v", first, second)
	}
	if len(visits.visits) != 1 {
		t.Errorf("expected exactly one visit, got %d", len(visits.visits))
	}
}

func TestPublishToWorklist_LostRace(t *testing.T) {
	repo := newMockOrderRepo()
	visits := newMockVisitRepo()
	svc := newTestService(repo, visits)
	ctx := context.Background()

	o := seedOrder(t, repo)
	winner := Keys{
		AccessionNumber:          "ACC00000001",
		RequestedProcedureID:     "RQ00000001",
		ScheduledProcedureStepID: "SP00000001",
	}
	repo.forceAssignLoss = true
	repo.winnerKeys = &winner

	keys, err := svc.PublishToWorklist(ctx, o.ID)
	if err != nil {
		t.Fatalf("PublishToWorklist: %v", err)
	}
	if keys != winner {
		t.Errorf("keys = %+v, want winner's %+v", keys, winner)
	}
}

func TestPublishToWorklist_NotFound(t *testing.T) {
	svc := newTestService(newMockOrderRepo(), newMockVisitRepo())

	_, err := svc.PublishToWorklist(context.Background(), uuid.New())
	if err == nil {
		t.Fatal("expected error for unknown order")
	}
}

func TestWorklistEligibleStatuses(t *testing.T) {
	eligible := []Status{StatusWaiting, StatusWithDoctor, StatusWithTechnician, StatusCompleted}
	for _, s := range eligible {
		if !s.WorklistEligible() {
			t.Errorf("%s should be worklist eligible", s)
		}
	}
	for _, s := range []Status{StatusInRoom, StatusInScan, StatusReview} {
		if s.WorklistEligible() {
			t.Errorf("%s should not be worklist eligible", s)
		}
	}
}
