package features

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/auroraguard/internal/circuitbreaker"
	"github.com/mbd888/auroraguard/internal/syncutil"
	"github.com/mbd888/auroraguard/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cardKey     = txn.EntityKey{Kind: txn.EntityCard, ID: "c-1"}
	deviceKey   = txn.EntityKey{Kind: txn.EntityDevice, ID: "d-1"}
	ipKey       = txn.EntityKey{Kind: txn.EntityIP, ID: "203.0.113.7"}
	merchantKey = txn.EntityKey{Kind: txn.EntityMerchant, ID: "m-1"}
	allKeys     = []txn.EntityKey{cardKey, deviceKey, ipKey, merchantKey}
)

// funcStore adapts a function to Store.
type funcStore func(ctx context.Context, key txn.EntityKey) (*Record, error)

func (f funcStore) Lookup(ctx context.Context, key txn.EntityKey) (*Record, error) {
	return f(ctx, key)
}

func seededStore(now time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.Put(cardKey, Record{UpdatedAt: now.Add(-5 * time.Second), Fields: map[string]Value{
		"txns_1h": Num(50), "txns_24h": Num(120), "amount_sum_24h": Num(4200), "distinct_merchants_24h": Num(9),
	}})
	s.Put(deviceKey, Record{UpdatedAt: now.Add(-2 * time.Second), Fields: map[string]Value{
		"txns_1h": Num(3), "distinct_cards_24h": Num(1),
	}})
	s.Put(ipKey, Record{UpdatedAt: now.Add(-10 * time.Second), Fields: map[string]Value{
		"txns_1h": Num(7), "country": Cat("NG"),
	}})
	s.Put(merchantKey, Record{UpdatedAt: now.Add(-1 * time.Second), Fields: map[string]Value{
		"fraud_rate_30d": Num(0.02),
	}})
	return s
}

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func newTestAggregator(store Store) *Aggregator {
	a := NewAggregator(store)
	a.now = fixedNow
	return a
}

func TestFetch_AllFresh(t *testing.T) {
	a := newTestAggregator(seededStore(fixedNow()))

	set := a.Fetch(context.Background(), allKeys, 50*time.Millisecond)

	assert.False(t, set.Degraded)
	assert.Empty(t, set.Defaulted)
	assert.Empty(t, set.Issues)

	v, ok := set.Number("txns_last_1h")
	require.True(t, ok)
	assert.Equal(t, 50.0, v)

	country, ok := set.Category("ip_country")
	require.True(t, ok)
	assert.Equal(t, "NG", country)

	assert.Equal(t, fixedNow().Add(-10*time.Second), set.OldestUpdate)
	assert.Len(t, set.Values, len(DefaultCatalog()))
}

func TestFetch_NotFoundIsZeroVelocityNotDegraded(t *testing.T) {
	a := newTestAggregator(NewMemoryStore())

	set := a.Fetch(context.Background(), []txn.EntityKey{cardKey}, 50*time.Millisecond)

	assert.False(t, set.Degraded)
	v, ok := set.Number("txns_last_1h")
	require.True(t, ok)
	assert.Equal(t, 0.0, v)
}

func TestFetch_StaleRecordDefaultsAndDegrades(t *testing.T) {
	now := fixedNow()
	store := seededStore(now)
	store.Put(cardKey, Record{UpdatedAt: now.Add(-61 * time.Second), Fields: map[string]Value{"txns_1h": Num(50)}})
	a := newTestAggregator(store)

	set := a.Fetch(context.Background(), allKeys, 50*time.Millisecond)

	assert.True(t, set.Degraded)
	assert.True(t, set.HasIssue(IssueStale))
	assert.True(t, set.IsDefaulted("txns_last_1h"))
	assert.True(t, set.IsDefaulted("amount_sum_24h"))
	assert.False(t, set.IsDefaulted("device_txns_last_1h"))

	_, ok := set.Number("txns_last_1h")
	assert.False(t, ok, "defaulted features must not read as real data")
	assert.Equal(t, Num(0), set.Values["txns_last_1h"])
	assert.Equal(t, now.Add(-61*time.Second), set.OldestUpdate)
}

func TestFetch_PartialRecord(t *testing.T) {
	now := fixedNow()
	store := NewMemoryStore()
	store.Put(ipKey, Record{UpdatedAt: now, Fields: map[string]Value{"txns_1h": Num(2)}})
	a := newTestAggregator(store)

	set := a.Fetch(context.Background(), []txn.EntityKey{ipKey}, 50*time.Millisecond)

	assert.True(t, set.Degraded)
	assert.True(t, set.HasIssue(IssuePartial))
	assert.Equal(t, []string{"ip_country"}, set.DefaultedNames())
	_, ok := set.Category("ip_country")
	assert.False(t, ok)
}

func TestFetch_StoreErrorDegradesOnlyAffectedEntity(t *testing.T) {
	base := seededStore(fixedNow())
	store := funcStore(func(ctx context.Context, key txn.EntityKey) (*Record, error) {
		if key.Kind == txn.EntityMerchant {
			return nil, errors.New("connection reset")
		}
		return base.Lookup(ctx, key)
	})
	a := newTestAggregator(store)

	set := a.Fetch(context.Background(), allKeys, 50*time.Millisecond)

	assert.True(t, set.Degraded)
	assert.Equal(t, []Issue{IssuePartial}, set.Issues)
	assert.Equal(t, []string{"merchant_fraud_rate_30d"}, set.DefaultedNames())
}

func TestFetch_NonCooperativeStoreHonoursTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	store := funcStore(func(ctx context.Context, key txn.EntityKey) (*Record, error) {
		<-block // ignores ctx
		return nil, nil
	})
	a := newTestAggregator(store)

	start := time.Now()
	set := a.Fetch(context.Background(), allKeys, 20*time.Millisecond)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.True(t, set.Degraded)
	assert.True(t, set.HasIssue(IssueTimeout))
	assert.Len(t, set.DefaultedNames(), len(DefaultCatalog()))
}

func TestFetch_BreakerOpenCountsAsPartial(t *testing.T) {
	var calls atomic.Int32
	store := funcStore(func(ctx context.Context, key txn.EntityKey) (*Record, error) {
		calls.Add(1)
		return nil, errors.New("down")
	})
	a := newTestAggregator(store).WithBreaker(circuitbreaker.New(2, time.Minute))

	a.Fetch(context.Background(), []txn.EntityKey{cardKey}, 20*time.Millisecond)
	a.Fetch(context.Background(), []txn.EntityKey{cardKey}, 20*time.Millisecond)
	before := calls.Load()

	set := a.Fetch(context.Background(), []txn.EntityKey{cardKey}, 20*time.Millisecond)

	assert.Equal(t, before, calls.Load(), "open breaker must short-circuit the store")
	assert.True(t, set.HasIssue(IssuePartial))
}

func TestFetch_SaturatedGateCountsAsPartial(t *testing.T) {
	gate := syncutil.NewGate(1, 0)
	release, err := gate.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	a := newTestAggregator(seededStore(fixedNow())).WithGate(gate)
	set := a.Fetch(context.Background(), []txn.EntityKey{cardKey}, 20*time.Millisecond)

	assert.True(t, set.Degraded)
	assert.True(t, set.HasIssue(IssuePartial))
}

func TestFetch_UnknownKindIgnored(t *testing.T) {
	a := newTestAggregator(NewMemoryStore())
	set := a.Fetch(context.Background(), []txn.EntityKey{{Kind: "email", ID: "x"}}, 20*time.Millisecond)
	assert.Empty(t, set.Values)
	assert.False(t, set.Degraded)
}

func TestValue_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Value{"n": Num(1.5), "c": Cat("US")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1.5,"c":"US"}`, string(b))

	var back map[string]Value
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, Num(1.5), back["n"])
	assert.Equal(t, Cat("US"), back["c"])
}

func TestMemoryStore_CopiesOnReadAndWrite(t *testing.T) {
	s := NewMemoryStore()
	fields := map[string]Value{"txns_1h": Num(1)}
	s.Put(cardKey, Record{Fields: fields})
	fields["txns_1h"] = Num(99)

	rec, err := s.Lookup(context.Background(), cardKey)
	require.NoError(t, err)
	assert.Equal(t, Num(1), rec.Fields["txns_1h"])

	rec.Fields["txns_1h"] = Num(42)
	again, _ := s.Lookup(context.Background(), cardKey)
	assert.Equal(t, Num(1), again.Fields["txns_1h"])

	s.Delete(cardKey)
	_, err = s.Lookup(context.Background(), cardKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetch_CustomCatalog(t *testing.T) {
	catalog := Catalog{
		{Name: "card_txns_24h", Kind: txn.EntityCard, Field: "txns_24h", Default: Num(0)},
		{Name: "card_chargebacks_90d", Kind: txn.EntityCard, Field: "chargebacks_90d", Default: Num(0)},
	}
	a := newTestAggregator(seededStore(fixedNow())).WithCatalog(catalog)

	set := a.Fetch(context.Background(), allKeys, 50*time.Millisecond)

	assert.Len(t, set.Values, 2)
	v, ok := set.Number("card_txns_24h")
	require.True(t, ok)
	assert.Equal(t, 120.0, v)

	// A field the store does not carry defaults and marks the fetch partial.
	assert.True(t, set.IsDefaulted("card_chargebacks_90d"))
	assert.True(t, set.HasIssue(IssuePartial))
	assert.Equal(t, []string{"card_txns_24h", "card_chargebacks_90d"}, a.Catalog().Names())
}
