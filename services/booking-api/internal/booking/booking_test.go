package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/md-rashed-zaman/apptbook/libs/metrics"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/apperr"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/availability"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/model"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/payments"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/reminders"
	"github.com/md-rashed-zaman/apptbook/services/booking-api/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

// memStore enforces the no-overlap rule under a mutex, standing in for the exclusion constraint.
type memStore struct {
	mu           sync.Mutex
	services     map[string]model.Service
	appts        []model.Appointment
	events       map[string]bool
	serviceCalls int
	loseRace     bool
	blockLookups bool
}

func newMemStore(services ...model.Service) *memStore {
	st := &memStore{services: map[string]model.Service{}, events: map[string]bool{}}
	for _, svc := range services {
		st.services[svc.ID] = svc
	}
	return st
}

func (m *memStore) FindServiceByID(ctx context.Context, id string) (model.Service, error) {
	if m.blockLookups {
		<-ctx.Done()
		return model.Service{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceCalls++
	svc, ok := m.services[id]
	if !ok {
		return model.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

func (m *memStore) ListServices(context.Context) ([]model.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Service{}
	for _, svc := range m.services {
		out = append(out, svc)
	}
	return out, nil
}

func (m *memStore) overlapping(staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool) {
	iv := availability.Interval{Start: start, End: end}
	for _, a := range m.appts {
		if a.StaffID != staffID || !hasStatus(statuses, a.Status) {
			continue
		}
		if iv.Overlaps(availability.Interval{Start: a.StartTs, End: a.EndTs}) {
			return a, true
		}
	}
	return model.Appointment{}, false
}

func hasStatus(statuses []model.Status, s model.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (m *memStore) FindOverlapping(_ context.Context, staffID string, start, end time.Time, statuses []model.Status) (model.Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.overlapping(staffID, start, end, statuses)
	return a, ok, nil
}

func (m *memStore) ListBlocking(_ context.Context, staffID string, start, end time.Time) ([]model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Appointment
	for _, a := range m.appts {
		if a.StaffID == staffID && a.Status.Blocking() && a.StartTs.Before(end) && a.EndTs.After(start) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateAppointment(_ context.Context, appt model.Appointment) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loseRace {
		return model.Appointment{}, storage.ErrSlotTaken
	}
	if _, taken := m.overlapping(appt.StaffID, appt.StartTs, appt.EndTs, model.BlockingStatuses); taken {
		return model.Appointment{}, storage.ErrSlotTaken
	}
	appt.Status = model.StatusBooked
	m.appts = append(m.appts, appt)
	return appt, nil
}

func (m *memStore) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.appts {
		if a.ID == id {
			return a, nil
		}
	}
	return model.Appointment{}, storage.ErrNotFound
}

func (m *memStore) Transition(_ context.Context, id string, to model.Status, reason string) (model.Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.appts {
		if a.ID != id {
			continue
		}
		if a.Status == to {
			return a, false, nil
		}
		if !a.Status.CanTransition(to) {
			return model.Appointment{}, false, storage.ErrInvalidTransition
		}
		a.Status = to
		if to == model.StatusCancelled {
			now := time.Now()
			a.CancelledAt = &now
			a.CancelReason = reason
		}
		m.appts[i] = a
		return a, true, nil
	}
	return model.Appointment{}, false, storage.ErrNotFound
}

func (m *memStore) RecordPaymentEvent(_ context.Context, evt storage.PaymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events[evt.ID] {
		return storage.ErrDuplicateEvent
	}
	m.events[evt.ID] = true
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

type stubReminders struct {
	mu        sync.Mutex
	err       error
	scheduled []string
	cancelled []string
}

func (s *stubReminders) ScheduleReminders(_ context.Context, id string, start, now time.Time) ([]model.ReminderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.scheduled = append(s.scheduled, id)
	return []model.ReminderJob{{ID: id + ":2h-before", AppointmentID: id, Kind: "2h-before"}}, nil
}

func (s *stubReminders) CancelReminders(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return 1, s.err
}

type stubGateway struct {
	err       error
	created   []payments.IntentRequest
	cancelled []string
}

func (g *stubGateway) CreateIntent(_ context.Context, req payments.IntentRequest) (payments.Intent, error) {
	if g.err != nil {
		return payments.Intent{}, g.err
	}
	g.created = append(g.created, req)
	return payments.Intent{ID: "pi_1", ClientSecret: "secret", AmountCents: req.AmountCents, Currency: req.Currency}, nil
}

func (g *stubGateway) CancelIntent(_ context.Context, id string) error {
	g.cancelled = append(g.cancelled, id)
	return nil
}

var haircut = model.Service{ID: "svc-1", Name: "Haircut", DurationMin: 60, PriceCents: 5000, Currency: "usd"}

type fixture struct {
	svc       *Service
	store     *memStore
	reminders *stubReminders
	metrics   *metrics.Collector
	now       time.Time
}

func newFixture(t *testing.T, gateway payments.Gateway) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemStore(haircut),
		reminders: &stubReminders{},
		metrics:   metrics.NewCollector("test"),
		now:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.reminders, gateway, slog.New(slog.NewTextHandler(io.Discard, nil)), f.metrics, Config{DependencyTimeout: time.Second})
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) request(start time.Time) BookRequest {
	return BookRequest{ClientID: "client-1", StaffID: "staff-1", ServiceID: haircut.ID, StartTs: start}
}

func TestBookCreatesAppointmentWithSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	start := f.now.Add(48 * time.Hour)

	res, err := f.svc.Book(context.Background(), f.request(start))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	a := res.Appointment
	if a.ID == "" || a.Status != model.StatusBooked {
		t.Fatalf("unexpected appointment %+v", a)
	}
	if !a.EndTs.Equal(start.Add(time.Hour)) {
		t.Fatalf("expected end one hour after start, got %s", a.EndTs)
	}
	if a.PriceCents != 5000 || a.Currency != "usd" {
		t.Fatalf("expected price snapshot 5000 usd, got %d %s", a.PriceCents, a.Currency)
	}
	if res.PaymentIntent != nil {
		t.Fatal("expected no payment intent without prepay")
	}
	if len(res.Reminders) != 1 || len(f.reminders.scheduled) != 1 {
		t.Fatalf("expected reminders scheduled once, got %v", f.reminders.scheduled)
	}

	// Later catalog price changes do not touch the booked price.
	f.store.mu.Lock()
	f.store.services[haircut.ID] = model.Service{ID: haircut.ID, DurationMin: 60, PriceCents: 6000}
	f.store.mu.Unlock()
	got, err := f.svc.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PriceCents != 5000 {
		t.Fatalf("expected snapshot to stay 5000, got %d", got.PriceCents)
	}
	if v := testutil.ToFloat64(f.metrics.BookingsTotal.WithLabelValues("booked")); v != 1 {
		t.Fatalf("expected one booked metric, got %v", v)
	}
}

func TestBookValidation(t *testing.T) {
	f := newFixture(t, nil)
	start := f.now.Add(48 * time.Hour)

	cases := map[string]BookRequest{
		"no service": {ClientID: "c", StaffID: "s", StartTs: start},
		"no client":  {StaffID: "s", ServiceID: haircut.ID, StartTs: start},
		"no staff":   {ClientID: "c", ServiceID: haircut.ID, StartTs: start},
		"no start":   {ClientID: "c", StaffID: "s", ServiceID: haircut.ID},
		"blank ids":  {ClientID: " ", StaffID: "s", ServiceID: haircut.ID, StartTs: start},
	}
	for name, req := range cases {
		_, err := f.svc.Book(context.Background(), req)
		if apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if f.store.count() != 0 || f.store.serviceCalls != 0 {
		t.Fatalf("validation failures must have no side effects (appointments=%d lookups=%d)", f.store.count(), f.store.serviceCalls)
	}
}

func TestBookUnknownService(t *testing.T) {
	f := newFixture(t, nil)
	req := f.request(f.now.Add(48 * time.Hour))
	req.ServiceID = "missing"
	if _, err := f.svc.Book(context.Background(), req); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBookConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	ten := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	if _, err := f.svc.Book(ctx, f.request(ten)); err != nil {
		t.Fatalf("Book 10:00: %v", err)
	}
	if _, err := f.svc.Book(ctx, f.request(ten.Add(30*time.Minute))); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for 10:30, got %v", err)
	}
	if _, err := f.svc.Book(ctx, f.request(ten.Add(-time.Hour))); err != nil {
		t.Fatalf("expected 09:00 (touching) to be free: %v", err)
	}
	if _, err := f.svc.Book(ctx, f.request(ten.Add(time.Hour))); err != nil {
		t.Fatalf("expected 11:00 (touching) to be free: %v", err)
	}
	other := f.request(ten)
	other.StaffID = "staff-2"
	if _, err := f.svc.Book(ctx, other); err != nil {
		t.Fatalf("expected another staff member to be free: %v", err)
	}
}

func TestCancelledAppointmentFreesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	start := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	res, err := f.svc.Book(ctx, f.request(start))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	cancelled, err := f.svc.Cancel(ctx, res.Appointment.ID, "sick")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != model.StatusCancelled || cancelled.CancelReason != "sick" {
		t.Fatalf("unexpected cancelled appointment %+v", cancelled)
	}
	if len(f.reminders.cancelled) != 1 || f.reminders.cancelled[0] != res.Appointment.ID {
		t.Fatalf("expected reminders cancelled, got %v", f.reminders.cancelled)
	}
	if _, err := f.svc.Cancel(ctx, res.Appointment.ID, ""); err != nil {
		t.Fatalf("repeated cancel: %v", err)
	}
	if len(f.reminders.cancelled) != 1 {
		t.Fatalf("repeated cancel must not cancel reminders again")
	}
	if _, err := f.svc.Confirm(ctx, res.Appointment.ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict confirming a cancelled appointment, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, "nope", ""); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := f.svc.Book(ctx, f.request(start)); err != nil {
		t.Fatalf("expected cancelled slot to be bookable: %v", err)
	}
}

func TestConcurrentBookingsNeverDoubleBook(t *testing.T) {
	f := newFixture(t, nil)
	start := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := f.request(start.Add(time.Duration(i%3) * 20 * time.Minute))
			_, errs[i] = f.svc.Book(context.Background(), req)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		switch apperr.KindOf(err) {
		case "":
			ok++
		case apperr.KindConflict:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || f.store.count() != 1 {
		t.Fatalf("expected exactly one booking, got ok=%d stored=%d", ok, f.store.count())
	}
}

func TestReminderFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, nil)
	f.reminders.err = errors.New("redis down")

	res, err := f.svc.Book(context.Background(), f.request(f.now.Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if f.store.count() != 1 || res.Appointment.ID == "" {
		t.Fatal("expected the appointment to stay committed")
	}
	if v := testutil.ToFloat64(f.metrics.SideEffectFailures.WithLabelValues(EffectReminders)); v != 1 {
		t.Fatalf("expected reminder failure to be counted, got %v", v)
	}
}

func TestBookSchedulesRemindersRelativeToStart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	queue := reminders.NewRedisQueue(rdb, "")

	f := newFixture(t, nil)
	f.svc.reminders = reminders.NewScheduler(queue, nil, f.svc.logger, f.metrics)
	ctx := context.Background()

	soon, err := f.svc.Book(ctx, f.request(f.now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if len(soon.Reminders) != 0 {
		t.Fatalf("expected no reminders one hour out, got %d", len(soon.Reminders))
	}

	later, err := f.svc.Book(ctx, f.request(f.now.Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if len(later.Reminders) != 2 {
		t.Fatalf("expected two reminders two days out, got %d", len(later.Reminders))
	}
	if later.Reminders[0].Delay != 24*time.Hour || later.Reminders[1].Delay != 46*time.Hour {
		t.Fatalf("unexpected delays %s %s", later.Reminders[0].Delay, later.Reminders[1].Delay)
	}
	if n, _ := queue.Pending(ctx); n != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", n)
	}
	if v := testutil.ToFloat64(f.metrics.RemindersSkipped.WithLabelValues("24h-before")); v != 1 {
		t.Fatalf("expected one skipped 24h reminder, got %v", v)
	}

	if _, err := f.svc.Cancel(ctx, later.Appointment.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if n, _ := queue.Pending(ctx); n != 0 {
		t.Fatalf("expected cancelled appointment's reminders removed, got %d pending", n)
	}
}

func TestPrepay(t *testing.T) {
	gw := &stubGateway{}
	f := newFixture(t, gw)
	req := f.request(f.now.Add(48 * time.Hour))
	req.Prepay = true

	res, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.PaymentIntent == nil || res.Appointment.PaymentIntentID != "pi_1" {
		t.Fatalf("expected payment intent on appointment, got %+v", res)
	}
	if len(gw.created) != 1 {
		t.Fatalf("expected one intent, got %d", len(gw.created))
	}
	c := gw.created[0]
	if c.AmountCents != 5000 || c.ServiceID != haircut.ID || c.ClientID != "client-1" || c.AppointmentID != res.Appointment.ID {
		t.Fatalf("unexpected intent request %+v", c)
	}
}

func TestPrepayFailureStillBooks(t *testing.T) {
	gw := &stubGateway{err: errors.New("stripe down")}
	f := newFixture(t, gw)
	req := f.request(f.now.Add(48 * time.Hour))
	req.Prepay = true

	res, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	if res.PaymentIntent != nil || res.Appointment.PaymentIntentID != "" {
		t.Fatalf("expected booking without payment reference, got %+v", res)
	}
	if v := testutil.ToFloat64(f.metrics.SideEffectFailures.WithLabelValues(EffectPayment)); v != 1 {
		t.Fatalf("expected payment failure counted, got %v", v)
	}
}

func TestLostRaceCancelsIntent(t *testing.T) {
	gw := &stubGateway{}
	f := newFixture(t, gw)
	f.store.loseRace = true
	req := f.request(f.now.Add(48 * time.Hour))
	req.Prepay = true

	if _, err := f.svc.Book(context.Background(), req); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "pi_1" {
		t.Fatalf("expected the orphaned intent to be cancelled, got %v", gw.cancelled)
	}
	if len(f.reminders.scheduled) != 0 {
		t.Fatal("no reminders may be scheduled for a lost booking")
	}
}

func TestDependencyTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.timeout = 20 * time.Millisecond
	f.store.blockLookups = true

	_, err := f.svc.Book(context.Background(), f.request(f.now.Add(48*time.Hour)))
	if apperr.KindOf(err) != apperr.KindDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if apperr.HTTPStatus(apperr.KindOf(err)) != 503 {
		t.Fatalf("expected 503, got %d", apperr.HTTPStatus(apperr.KindOf(err)))
	}
}

func TestHandlePaymentSucceeded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Book(ctx, f.request(f.now.Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}

	evt := payments.IntentEvent{EventID: "evt_1", Type: payments.EventPaymentIntentSucceeded, PaymentIntentID: "pi_1", AppointmentID: res.Appointment.ID}
	got, err := f.svc.HandlePaymentSucceeded(ctx, evt, []byte(`{}`))
	if err != nil || got != PaymentConfirmed {
		t.Fatalf("expected confirmed, got %q err=%v", got, err)
	}
	appt, _ := f.svc.Get(ctx, res.Appointment.ID)
	if appt.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed appointment, got %s", appt.Status)
	}
	if got, _ := f.svc.HandlePaymentSucceeded(ctx, evt, []byte(`{}`)); got != PaymentDuplicate {
		t.Fatalf("expected duplicate, got %q", got)
	}

	orphan := payments.IntentEvent{EventID: "evt_2", PaymentIntentID: "pi_2", AppointmentID: "gone"}
	if got, err := f.svc.HandlePaymentSucceeded(ctx, orphan, nil); err != nil || got != PaymentRecorded {
		t.Fatalf("expected recorded, got %q err=%v", got, err)
	}
}

// flakyTransitions fails the first Transition call, as a dropped connection would.
type flakyTransitions struct {
	*memStore
	failures int
}

func (f *flakyTransitions) Transition(ctx context.Context, id string, to model.Status, reason string) (model.Appointment, bool, error) {
	if f.failures > 0 {
		f.failures--
		return model.Appointment{}, false, errors.New("db connection reset")
	}
	return f.memStore.Transition(ctx, id, to, reason)
}

func TestPaymentRedeliveryConfirmsAfterFailedTransition(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	res, err := f.svc.Book(ctx, f.request(f.now.Add(48*time.Hour)))
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	f.svc.store = &flakyTransitions{memStore: f.store, failures: 1}

	evt := payments.IntentEvent{EventID: "evt_retry", Type: payments.EventPaymentIntentSucceeded, PaymentIntentID: "pi_1", AppointmentID: res.Appointment.ID}
	if _, err := f.svc.HandlePaymentSucceeded(ctx, evt, []byte(`{}`)); apperr.KindOf(err) != apperr.KindDependency {
		t.Fatalf("expected dependency error on first delivery, got %v", err)
	}
	got, err := f.svc.HandlePaymentSucceeded(ctx, evt, []byte(`{}`))
	if err != nil || got != PaymentConfirmed {
		t.Fatalf("expected redelivery to confirm, got %q err=%v", got, err)
	}
	appt, _ := f.svc.Get(ctx, res.Appointment.ID)
	if appt.Status != model.StatusConfirmed {
		t.Fatalf("expected confirmed appointment, got %s", appt.Status)
	}
	if got, _ := f.svc.HandlePaymentSucceeded(ctx, evt, []byte(`{}`)); got != PaymentDuplicate {
		t.Fatalf("expected duplicate once confirmed, got %q", got)
	}
}

func TestFreeSlots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := f.svc.Book(ctx, f.request(day.Add(10*time.Hour))); err != nil {
		t.Fatalf("Book: %v", err)
	}

	slots, err := f.svc.FreeSlots(ctx, SlotsQuery{StaffID: "staff-1", ServiceID: haircut.ID, Date: "2026-03-05", WorkdayStart: "09:00", WorkdayEnd: "12:00"})
	if err != nil {
		t.Fatalf("FreeSlots: %v", err)
	}
	if len(slots) != 2 || !slots[0].Start.Equal(day.Add(9*time.Hour)) || !slots[1].Start.Equal(day.Add(11*time.Hour)) {
		t.Fatalf("unexpected slots %+v", slots)
	}

	if _, err := f.svc.FreeSlots(ctx, SlotsQuery{StaffID: "staff-1", ServiceID: haircut.ID}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
