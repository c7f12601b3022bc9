package billing

import (
	"sort"
	"time"
)

// fakeStore is an in-memory Store for exercising the lifecycle commands
// and the entitlement evaluator without SQLite. Deadline comparisons use
// the same strict less-than predicate as the real store's SQL.
type fakeStore struct {
	subs map[string]*Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string]*Subscription)}
}

func (f *fakeStore) GetSubscription(userID string) (*Subscription, error) {
	sub, ok := f.subs[userID]
	if !ok {
		return nil, nil
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) CreateSubscription(sub *Subscription) error {
	cp := *sub
	f.subs[sub.UserID] = &cp
	return nil
}

func (f *fakeStore) UpdateSubscription(sub *Subscription) error {
	cp := *sub
	f.subs[sub.UserID] = &cp
	return nil
}

func (f *fakeStore) UpsertSubscription(sub *Subscription) error {
	cp := *sub
	f.subs[sub.UserID] = &cp
	return nil
}

func (f *fakeStore) ListLapsedTrials(cutoff time.Time) ([]string, error) {
	var ids []string
	for id, sub := range f.subs {
		if sub.Status == StatusTrialing && sub.TrialEndsAt != nil && sub.TrialEndsAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) ListLapsedPeriods(cutoff time.Time) ([]string, error) {
	var ids []string
	for id, sub := range f.subs {
		if sub.Status != StatusActive && sub.Status != StatusCanceled {
			continue
		}
		if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeStore) ExpireSubscriptions(userIDs []string) (int64, error) {
	var n int64
	for _, id := range userIDs {
		sub, ok := f.subs[id]
		if !ok || sub.Status == StatusExpired {
			continue
		}
		sub.Status = StatusExpired
		n++
	}
	return n, nil
}
