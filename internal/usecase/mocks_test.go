package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/azizikri/coupon-redeem/internal/activation"
	"github.com/azizikri/coupon-redeem/internal/domain"
	"github.com/azizikri/coupon-redeem/internal/repository"
	"github.com/azizikri/coupon-redeem/internal/security"
	"github.com/azizikri/coupon-redeem/internal/session"
	"github.com/google/uuid"
)

// memStore applies conditional updates under one mutex, the same
// compare-and-set contract the Postgres store gives per row.
type memStore struct {
	mu      sync.Mutex
	coupons map[string]*domain.Coupon
	admins  map[string]*domain.AdminUser
	logs    []domain.AuditEvent
	updates int

	updateErrFn func(id string) error
	findErr     error
}

func newMemStore() *memStore {
	return &memStore{
		coupons: make(map[string]*domain.Coupon),
		admins:  make(map[string]*domain.AdminUser),
	}
}

func (m *memStore) add(c domain.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.State == "" {
		c.State = domain.StateUnused
	}
	m.coupons[c.ID] = &c
}

func (m *memStore) get(t *testing.T, id string) domain.Coupon {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		t.Fatalf("coupon %s not in store", id)
	}
	return *c
}

func (m *memStore) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

func (m *memStore) ExecTx(ctx context.Context, fn func(repository.Querier) error) error {
	return fn(m)
}

func (m *memStore) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	c, ok := m.coupons[id]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (m *memStore) FindByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coupons {
		if c.Code == code {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memStore) Find(ctx context.Context, states ...domain.State) ([]domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Coupon
	for _, c := range m.coupons {
		for _, s := range states {
			if c.State == s {
				out = append(out, *c)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) ListCoupons(ctx context.Context) ([]domain.Coupon, error) {
	return m.Find(ctx, domain.States()...)
}

func (m *memStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Coupon
	for _, c := range m.coupons {
		if c.State == domain.StateReserved && c.ReservedExpiresAt != nil && !now.Before(*c.ReservedExpiresAt) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) ConditionalUpdate(ctx context.Context, id string, expected domain.State, guard repository.Guard, patch repository.Patch) (int64, error) {
	if m.updateErrFn != nil {
		if err := m.updateErrFn(id); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[id]
	if !ok || c.State != expected {
		return 0, nil
	}
	if guard.ReservedBy != "" && (c.ReservedBy == nil || *c.ReservedBy != guard.ReservedBy) {
		return 0, nil
	}
	if !guard.ActiveAt.IsZero() && (c.ReservedExpiresAt == nil || !c.ReservedExpiresAt.After(guard.ActiveAt)) {
		return 0, nil
	}
	if !guard.ExpiredAt.IsZero() && (c.ReservedExpiresAt == nil || c.ReservedExpiresAt.After(guard.ExpiredAt)) {
		return 0, nil
	}

	c.State = patch.State
	switch {
	case patch.Reservation != nil:
		by, at, exp := patch.Reservation.By, patch.Reservation.At, patch.Reservation.ExpiresAt
		c.ReservedBy, c.ReservedAt, c.ReservedExpiresAt = &by, &at, &exp
	case patch.ClearReservation:
		c.ReservedBy, c.ReservedAt, c.ReservedExpiresAt = nil, nil, nil
	}
	switch {
	case patch.Use != nil:
		by, at := patch.Use.By, patch.Use.At
		c.UsedBy, c.UsedAt = &by, &at
	case patch.ClearUse:
		c.UsedBy, c.UsedAt = nil, nil
	}
	if len(patch.Meta) > 0 {
		meta := make(map[string]any, len(c.Meta)+len(patch.Meta))
		for k, v := range c.Meta {
			meta[k] = v
		}
		for k, v := range patch.Meta {
			meta[k] = v
		}
		c.Meta = meta
	}
	m.updates++
	return 1, nil
}

func (m *memStore) CreateCoupon(ctx context.Context, c *domain.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.coupons {
		if existing.ID == c.ID || existing.Code == c.Code {
			return domain.ErrDuplicateCoupon
		}
	}
	stored := *c
	m.coupons[c.ID] = &stored
	return nil
}

func (m *memStore) InsertAuditLog(ctx context.Context, e *domain.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *e)
	return nil
}

func (m *memStore) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditEvent, len(m.logs))
	copy(out, m.logs)
	return out, nil
}

func (m *memStore) CreateAdminUser(ctx context.Context, u *domain.AdminUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[u.Email]; ok {
		return domain.ErrDuplicateAdmin
	}
	u.CreatedAt = time.Now()
	stored := *u
	m.admins[u.Email] = &stored
	return nil
}

func (m *memStore) FindAdminByEmail(ctx context.Context, email string) (*domain.AdminUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.admins[email]
	if !ok {
		return nil, nil
	}
	out := *u
	return &out, nil
}

type scriptedEngine struct {
	mu            sync.Mutex
	activateFn    func(ctx context.Context, code, email string) (activation.Result, error)
	submitFn      func(ctx context.Context, handle, otp string) (activation.Result, error)
	activateCalls int
	submitCalls   int
	released      map[string]int
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{released: make(map[string]int)}
}

func (e *scriptedEngine) Activate(ctx context.Context, code, email string) (activation.Result, error) {
	e.mu.Lock()
	e.activateCalls++
	fn := e.activateFn
	e.mu.Unlock()
	if fn == nil {
		return activation.Result{Status: activation.StatusSuccess}, nil
	}
	return fn(ctx, code, email)
}

func (e *scriptedEngine) SubmitCode(ctx context.Context, handle, otp string) (activation.Result, error) {
	e.mu.Lock()
	e.submitCalls++
	fn := e.submitFn
	e.mu.Unlock()
	if fn == nil {
		return activation.Result{Status: activation.StatusSuccess}, nil
	}
	return fn(ctx, handle, otp)
}

func (e *scriptedEngine) Release(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released[handle]++
	return nil
}

func (e *scriptedEngine) releasedCount(handle string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[handle]
}

func (e *scriptedEngine) activations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activateCalls
}

type recordingSink struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingSink) Record(ctx context.Context, action string, details map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
}

func (r *recordingSink) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const testTTL = 2 * time.Minute

type fixture struct {
	store    *memStore
	engine   *scriptedEngine
	sessions *session.MemoryRegistry
	sink     *recordingSink
	clock    *testClock
	machine  *StateMachine
	redeem   *RedeemService
	coupons  *CouponService
	admins   *AdminService
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		engine: newScriptedEngine(),
		sink:   &recordingSink{},
		clock:  &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
	}
	f.sessions = session.NewMemoryRegistry(f.engine)
	f.sessions.SetClock(f.clock.Now)
	f.machine = NewStateMachine(f.store, testTTL, nil)
	f.machine.SetClock(f.clock.Now)
	f.redeem = NewRedeemService(f.machine, f.engine, f.sessions, f.sink, RedeemConfig{
		ActivationTimeout:   time.Second,
		VerificationTimeout: time.Second,
	})
	f.coupons = NewCouponService(f.machine, f.sink)
	f.admins = NewAdminService(f.store, security.NewHasher(4), f.sink)
	f.sweeper = NewSweeper(f.machine, f.sessions, f.sink, time.Minute)
	return f
}

func (f *fixture) addCoupon(state domain.State) string {
	id := uuid.NewString()
	f.store.add(domain.Coupon{ID: id, Code: "CODE-" + id[:8], State: state})
	return id
}
