package billing

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	svc := NewService(store)
	svc.now = func() time.Time { return testNow }
	return svc, store
}

func timePtr(t time.Time) *time.Time { return &t }

func TestGetSubscriptionStateNoRow(t *testing.T) {
	svc, _ := newTestService(t)

	state, err := svc.GetSubscriptionState("u_missing")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.Status != StatusExpired {
		t.Errorf("status = %q, want %q", state.Status, StatusExpired)
	}
	if state.IsActive || state.CanAccessApp {
		t.Errorf("missing row must not grant access: %+v", state)
	}
	if state.DaysRemaining != nil {
		t.Errorf("DaysRemaining = %d, want nil", *state.DaysRemaining)
	}
}

func TestCreateTrialSubscription(t *testing.T) {
	svc, _ := newTestService(t)

	sub, err := svc.CreateTrialSubscription("u_1")
	if err != nil {
		t.Fatalf("CreateTrialSubscription: %v", err)
	}
	if sub.Status != StatusTrialing {
		t.Errorf("status = %q, want %q", sub.Status, StatusTrialing)
	}
	wantEnd := testNow.Add(TrialDuration)
	if sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(wantEnd) {
		t.Errorf("TrialEndsAt = %v, want %v", sub.TrialEndsAt, wantEnd)
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if !state.IsActive || !state.CanAccessApp {
		t.Errorf("fresh trial should grant access: %+v", state)
	}
	if state.DaysRemaining == nil || *state.DaysRemaining != 14 {
		t.Errorf("DaysRemaining = %v, want 14", state.DaysRemaining)
	}
}

func TestCreateTrialSubscriptionAlreadyExists(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateTrialSubscription("u_1"); err != nil {
		t.Fatalf("first CreateTrialSubscription: %v", err)
	}
	if _, err := svc.CreateTrialSubscription("u_1"); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("second CreateTrialSubscription err = %v, want ErrSubscriptionExists", err)
	}

	// A canceled row still blocks a new trial; the trial clock never resets.
	if err := svc.CancelSubscription("u_1"); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}
	if _, err := svc.CreateTrialSubscription("u_1"); !errors.Is(err, ErrSubscriptionExists) {
		t.Errorf("CreateTrialSubscription after cancel err = %v, want ErrSubscriptionExists", err)
	}
}

func TestTrialDaysRemainingMidway(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:      "u_1",
		Status:      StatusTrialing,
		TrialEndsAt: timePtr(testNow.Add(7 * 24 * time.Hour)),
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.DaysRemaining == nil || *state.DaysRemaining != 7 {
		t.Errorf("DaysRemaining = %v, want 7", state.DaysRemaining)
	}
}

func TestTrialLapsedByOneMillisecond(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:      "u_1",
		Status:      StatusTrialing,
		TrialEndsAt: timePtr(testNow.Add(-time.Millisecond)),
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.IsActive || state.CanAccessApp {
		t.Errorf("lapsed trial must not grant access: %+v", state)
	}
	if state.Status != StatusTrialing {
		t.Errorf("evaluator must report stored status %q, got %q", StatusTrialing, state.Status)
	}
	if state.DaysRemaining != nil {
		t.Errorf("DaysRemaining = %d, want nil", *state.DaysRemaining)
	}
}

func TestTrialEndsExactlyNow(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:      "u_1",
		Status:      StatusTrialing,
		TrialEndsAt: timePtr(testNow),
	}

	// Deadlines are strict less-than: deadline == now counts as lapsed.
	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.IsActive || state.CanAccessApp {
		t.Errorf("trial ending at the current instant must not grant access: %+v", state)
	}
}

func TestActivateSubscription(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.CreateTrialSubscription("u_1"); err != nil {
		t.Fatalf("CreateTrialSubscription: %v", err)
	}
	end := testNow.Add(15 * 24 * time.Hour)
	sub, err := svc.ActivateSubscription("u_1", testNow, end)
	if err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if sub.Status != StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, StatusActive)
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if !state.IsActive || !state.CanAccessApp {
		t.Errorf("active subscription should grant access: %+v", state)
	}
	if state.DaysRemaining == nil || *state.DaysRemaining != 15 {
		t.Errorf("DaysRemaining = %v, want 15", state.DaysRemaining)
	}
}

func TestActivateSubscriptionWithoutRow(t *testing.T) {
	svc, _ := newTestService(t)

	// Webhooks can arrive out of order; activation without a prior row
	// creates one rather than failing.
	end := testNow.Add(30 * 24 * time.Hour)
	sub, err := svc.ActivateSubscription("u_1", testNow, end)
	if err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if sub.Status != StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, StatusActive)
	}
}

func TestActivateSubscriptionIdempotent(t *testing.T) {
	svc, store := newTestService(t)

	end := testNow.Add(30 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("first ActivateSubscription: %v", err)
	}
	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("second ActivateSubscription: %v", err)
	}

	sub := store.subs["u_1"]
	if sub.Status != StatusActive {
		t.Errorf("status = %q, want %q", sub.Status, StatusActive)
	}
	if !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd = %v, want %v", sub.CurrentPeriodEnd, end)
	}
}

func TestActivateClearsCancellation(t *testing.T) {
	svc, store := newTestService(t)

	end := testNow.Add(30 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if err := svc.CancelSubscription("u_1"); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}

	newEnd := testNow.Add(60 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow, newEnd); err != nil {
		t.Fatalf("re-ActivateSubscription: %v", err)
	}
	if store.subs["u_1"].CanceledAt != nil {
		t.Errorf("CanceledAt should be cleared on activation, got %v", store.subs["u_1"].CanceledAt)
	}
}

func TestActivateRevivesExpired(t *testing.T) {
	svc, _ := newTestService(t)
	end := testNow.Add(30 * 24 * time.Hour)

	if _, err := svc.ActivateSubscription("u_1", testNow.Add(-60*24*time.Hour), testNow.Add(-30*24*time.Hour)); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if err := svc.ExpireSubscription("u_1"); err != nil {
		t.Fatalf("ExpireSubscription: %v", err)
	}

	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("ActivateSubscription after expiry: %v", err)
	}
	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if !state.IsActive || !state.CanAccessApp {
		t.Errorf("re-subscribed user should regain access: %+v", state)
	}
}

func TestPastDueGrace(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:           "u_1",
		Status:           StatusPastDue,
		CurrentPeriodEnd: timePtr(testNow.Add(-24 * time.Hour)),
	}

	// Grace access is unconditional: the lapsed period end is irrelevant.
	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if !state.CanAccessApp {
		t.Error("past_due should keep app access during grace")
	}
	if state.IsActive {
		t.Error("past_due must not count as active")
	}
	if state.DaysRemaining != nil {
		t.Errorf("DaysRemaining = %d, want nil", *state.DaysRemaining)
	}
}

func TestMarkSubscriptionPastDue(t *testing.T) {
	svc, store := newTestService(t)

	if err := svc.MarkSubscriptionPastDue("u_missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("MarkSubscriptionPastDue without row err = %v, want ErrSubscriptionNotFound", err)
	}

	end := testNow.Add(30 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if err := svc.MarkSubscriptionPastDue("u_1"); err != nil {
		t.Fatalf("MarkSubscriptionPastDue: %v", err)
	}

	sub := store.subs["u_1"]
	if sub.Status != StatusPastDue {
		t.Errorf("status = %q, want %q", sub.Status, StatusPastDue)
	}
	if !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd changed: %v, want %v", sub.CurrentPeriodEnd, end)
	}
}

func TestCancelKeepsPaidPeriodAccess(t *testing.T) {
	svc, _ := newTestService(t)

	end := testNow.Add(10 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow.Add(-20*24*time.Hour), end); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if err := svc.CancelSubscription("u_1"); err != nil {
		t.Fatalf("CancelSubscription: %v", err)
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if !state.CanAccessApp {
		t.Error("canceled subscription should keep access through the paid period")
	}
	if state.IsActive {
		t.Error("canceled subscription must not count as active")
	}
}

func TestCanceledPastPeriodDeniesAccess(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:           "u_1",
		Status:           StatusCanceled,
		CurrentPeriodEnd: timePtr(testNow.Add(-time.Hour)),
		CanceledAt:       timePtr(testNow.Add(-10 * 24 * time.Hour)),
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.CanAccessApp {
		t.Error("canceled subscription past its paid period must deny access")
	}
}

func TestCanceledWithoutPeriodDeniesAccess(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID:     "u_1",
		Status:     StatusCanceled,
		CanceledAt: timePtr(testNow),
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.CanAccessApp {
		t.Error("canceled subscription with no period end must deny access")
	}
}

func TestCancelSubscriptionIdempotent(t *testing.T) {
	svc, store := newTestService(t)

	if err := svc.CancelSubscription("u_missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("CancelSubscription without row err = %v, want ErrSubscriptionNotFound", err)
	}

	end := testNow.Add(10 * 24 * time.Hour)
	if _, err := svc.ActivateSubscription("u_1", testNow, end); err != nil {
		t.Fatalf("ActivateSubscription: %v", err)
	}
	if err := svc.CancelSubscription("u_1"); err != nil {
		t.Fatalf("first CancelSubscription: %v", err)
	}
	first := *store.subs["u_1"].CanceledAt

	if err := svc.CancelSubscription("u_1"); err != nil {
		t.Fatalf("second CancelSubscription: %v", err)
	}
	if !store.subs["u_1"].CanceledAt.Equal(first) {
		t.Errorf("CanceledAt changed on repeat cancel: %v, want %v", store.subs["u_1"].CanceledAt, first)
	}
	if !store.subs["u_1"].CurrentPeriodEnd.Equal(end) {
		t.Errorf("CurrentPeriodEnd changed on cancel: %v, want %v", store.subs["u_1"].CurrentPeriodEnd, end)
	}
}

func TestExpireSubscription(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.ExpireSubscription("u_missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("ExpireSubscription without row err = %v, want ErrSubscriptionNotFound", err)
	}

	if _, err := svc.CreateTrialSubscription("u_1"); err != nil {
		t.Fatalf("CreateTrialSubscription: %v", err)
	}
	if err := svc.ExpireSubscription("u_1"); err != nil {
		t.Fatalf("ExpireSubscription: %v", err)
	}
	if err := svc.ExpireSubscription("u_1"); err != nil {
		t.Fatalf("repeat ExpireSubscription: %v", err)
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.Status != StatusExpired {
		t.Errorf("status = %q, want %q", state.Status, StatusExpired)
	}
	if state.CanAccessApp || state.IsActive {
		t.Errorf("expired subscription must deny access: %+v", state)
	}
}

func TestUnknownStatusDeniesAccess(t *testing.T) {
	svc, store := newTestService(t)
	store.subs["u_1"] = &Subscription{
		UserID: "u_1",
		Status: Status("comped"),
	}

	state, err := svc.GetSubscriptionState("u_1")
	if err != nil {
		t.Fatalf("GetSubscriptionState: %v", err)
	}
	if state.IsActive || state.CanAccessApp {
		t.Errorf("unknown status must fail closed: %+v", state)
	}
}

func TestHasActiveSubscription(t *testing.T) {
	svc, store := newTestService(t)

	tests := []struct {
		name string
		sub  *Subscription
		want bool
	}{
		{"no row", nil, false},
		{"live trial", &Subscription{Status: StatusTrialing, TrialEndsAt: timePtr(testNow.Add(time.Hour))}, true},
		{"lapsed trial", &Subscription{Status: StatusTrialing, TrialEndsAt: timePtr(testNow.Add(-time.Hour))}, false},
		{"live paid", &Subscription{Status: StatusActive, CurrentPeriodEnd: timePtr(testNow.Add(time.Hour))}, true},
		{"lapsed paid", &Subscription{Status: StatusActive, CurrentPeriodEnd: timePtr(testNow.Add(-time.Hour))}, false},
		{"past due", &Subscription{Status: StatusPastDue}, false},
		{"canceled in period", &Subscription{Status: StatusCanceled, CurrentPeriodEnd: timePtr(testNow.Add(time.Hour))}, false},
		{"expired", &Subscription{Status: StatusExpired}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store.subs = make(map[string]*Subscription)
			if tc.sub != nil {
				tc.sub.UserID = "u_1"
				store.subs["u_1"] = tc.sub
			}
			got, err := svc.HasActiveSubscription("u_1")
			if err != nil {
				t.Fatalf("HasActiveSubscription: %v", err)
			}
			if got != tc.want {
				t.Errorf("HasActiveSubscription = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAttachPaymentProvider(t *testing.T) {
	svc, store := newTestService(t)

	if err := svc.AttachPaymentProvider("u_missing", "stripe", "sub_123"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("AttachPaymentProvider without row err = %v, want ErrSubscriptionNotFound", err)
	}

	if _, err := svc.CreateTrialSubscription("u_1"); err != nil {
		t.Fatalf("CreateTrialSubscription: %v", err)
	}
	if err := svc.AttachPaymentProvider("u_1", "stripe", "sub_123"); err != nil {
		t.Fatalf("AttachPaymentProvider: %v", err)
	}
	sub := store.subs["u_1"]
	if sub.PaymentProvider != "stripe" || sub.PaymentProviderID != "sub_123" {
		t.Errorf("provider refs = %q/%q, want stripe/sub_123", sub.PaymentProvider, sub.PaymentProviderID)
	}
}

func TestDaysRemainingRounding(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		want      int
	}{
		{"exactly one day", 24 * time.Hour, 1},
		{"one and a half days", 36 * time.Hour, 2},
		{"just under half a day", 11 * time.Hour, 0},
		{"half a day", 12 * time.Hour, 1},
		{"thirteen days twenty hours", 13*24*time.Hour + 20*time.Hour, 14},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := daysRemaining(testNow, testNow.Add(tc.remaining))
			if *got != tc.want {
				t.Errorf("daysRemaining(%v) = %d, want %d", tc.remaining, *got, tc.want)
			}
		})
	}
}
