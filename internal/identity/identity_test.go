package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/database/dbtest"
	"github.com/edgard/murailocrm/internal/errs"
	"github.com/edgard/murailocrm/internal/platform"
)

type fakeLookup struct {
	users map[string]platform.Identity
	err   error
	calls atomic.Int32
}

func (f *fakeLookup) LookupUser(_ context.Context, ref string) (platform.Identity, error) {
	f.calls.Add(1)
	if f.err != nil {
		return platform.Identity{}, f.err
	}
	ident, ok := f.users[ref]
	if !ok {
		return platform.Identity{}, platform.ErrNotFound
	}
	return ident, nil
}

func newResolver(t *testing.T, lookup Lookup) (*Resolver, database.Store) {
	t.Helper()
	store := dbtest.NewStore(t)
	return NewResolver(store, lookup, dbtest.Logger()), store
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"telegram trimmed", NormalizeTelegramID, "  6032278052 ", "6032278052"},
		{"telegram leading zeros", NormalizeTelegramID, "007", "7"},
		{"telegram float", NormalizeTelegramID, "6032278052.0", "6032278052"},
		{"telegram zero", NormalizeTelegramID, "0", ""},
		{"telegram garbage", NormalizeTelegramID, "abc", ""},
		{"phone formatted", NormalizePhone, "+1 (555) 010-9999", "+15550109999"},
		{"phone short", NormalizePhone, "12-3", ""},
		{"email", NormalizeEmail, " Alice@Example.COM ", "alice@example.com"},
		{"email invalid", NormalizeEmail, "alice@", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fn(tt.in))
		})
	}
}

func TestDisplayNamePriority(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Ann Lee", DisplayName(Hints{FirstName: "Ann", LastName: "Lee", Alias: "annie", Username: "ann"}))
	assert.Equal(t, "annie", DisplayName(Hints{Alias: "annie", Username: "ann"}))
	assert.Equal(t, "@ann", DisplayName(Hints{Username: "@ann"}))
	assert.Equal(t, "", DisplayName(Hints{TelegramID: "1"}))
	assert.Equal(t, "User 42", PlaceholderName(Hints{TelegramID: "42"}))
}

func TestResolve_ShortNumericRefIsTelegramID(t *testing.T) {
	lookup := &fakeLookup{}
	r, _ := newResolver(t, lookup)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Hints{PlatformRef: "6032278052"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "6032278052", res.Contact.TelegramID.String)
	assert.Equal(t, "User 6032278052", res.Contact.Name)
	assert.Equal(t, database.Unresolved, res.Contact.Completeness)
	assert.Equal(t, int32(0), lookup.calls.Load())

	again, err := r.Resolve(ctx, Hints{TelegramID: "6032278052"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.ContactID(), again.ContactID())
}

func TestResolve_LongRefDereferences(t *testing.T) {
	const ref = "1755415687041x763213319808587100"
	lookup := &fakeLookup{users: map[string]platform.Identity{
		ref: {TelegramID: "555000111", Email: "Buyer@Shop.io", FirstName: "Maria"},
	}}
	r, store := newResolver(t, lookup)
	ctx := context.Background()

	existing := &database.Contact{Name: "User 555000111", TelegramID: database.NullString("555000111")}
	_, err := store.CreateContact(ctx, existing)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Hints{PlatformRef: ref})
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookup.calls.Load())
	assert.Equal(t, existing.ID, res.ContactID())
	assert.Equal(t, "telegram_id", res.MatchedBy)
	assert.Equal(t, "Maria", res.Contact.Name)
	assert.Equal(t, database.Resolved, res.Contact.Completeness)
	assert.Equal(t, "buyer@shop.io", res.Contact.Email.String)
	assert.Equal(t, ref, res.Contact.PlatformRef.String)
	assert.Empty(t, res.Warnings)
}

func TestResolve_LookupFailureDegrades(t *testing.T) {
	lookup := &fakeLookup{err: errs.NewTransient("platform down", nil)}
	r, _ := newResolver(t, lookup)

	res, err := r.Resolve(context.Background(), Hints{PlatformRef: "1755415687041x1", Phone: "+44 20 7946 0000"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, res.Warnings, 1)
	assert.True(t, errs.IsTransient(res.Warnings[0]))
	assert.Equal(t, "+442079460000", res.Contact.Phone.String)
}

func TestResolve_NilLookupDegrades(t *testing.T) {
	r, _ := newResolver(t, nil)
	res, err := r.Resolve(context.Background(), Hints{PlatformRef: "1755415687041x2"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Len(t, res.Warnings, 1)
}

func TestResolve_PhoneThenEmail(t *testing.T) {
	r, store := newResolver(t, nil)
	ctx := context.Background()

	byEmail := &database.Contact{Name: "Mail Person", Email: database.NullString("x@y.io"), Completeness: database.Resolved}
	_, err := store.CreateContact(ctx, byEmail)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Hints{Email: "X@Y.io", TelegramID: "99"})
	require.NoError(t, err)
	assert.Equal(t, byEmail.ID, res.ContactID())
	assert.Equal(t, "email", res.MatchedBy)
	assert.Equal(t, "99", res.Contact.TelegramID.String)
	assert.Equal(t, "Mail Person", res.Contact.Name)
}

func TestResolve_TelegramWinsConflict(t *testing.T) {
	r, store := newResolver(t, nil)
	ctx := context.Background()

	tg := &database.Contact{Name: "Tg", TelegramID: database.NullString("10"), Completeness: database.Resolved}
	_, err := store.CreateContact(ctx, tg)
	require.NoError(t, err)
	ph := &database.Contact{Name: "Ph", Phone: database.NullString("+5511999990000"), Completeness: database.Resolved}
	_, err = store.CreateContact(ctx, ph)
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Hints{TelegramID: "10", Phone: "55 11 99999-0000"})
	require.NoError(t, err)
	assert.Equal(t, tg.ID, res.ContactID())
	require.Len(t, res.Warnings, 1)
	assert.True(t, errors.Is(res.Warnings[0], errs.ErrDataIntegrity))
}

func TestResolve_RealNameUpgradesPlaceholder(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Hints{TelegramID: "77"})
	require.NoError(t, err)
	assert.Equal(t, database.Unresolved, first.Contact.Completeness)

	second, err := r.Resolve(ctx, Hints{TelegramID: "77", FirstName: "Ivan", LastName: "Petrov"})
	require.NoError(t, err)
	assert.Equal(t, first.ContactID(), second.ContactID())
	assert.Equal(t, "Ivan Petrov", second.Contact.Name)
	assert.Equal(t, database.Resolved, second.Contact.Completeness)

	// A resolved name is never replaced.
	third, err := r.Resolve(ctx, Hints{TelegramID: "77", Alias: "vanya"})
	require.NoError(t, err)
	assert.Equal(t, "Ivan Petrov", third.Contact.Name)
}

func TestResolve_Deterministic(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()
	hints := Hints{TelegramID: "123", Username: "bob"}

	first, err := r.Resolve(ctx, hints)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, hints)
		require.NoError(t, err)
		assert.Equal(t, first.ContactID(), res.ContactID())
		assert.False(t, res.Created)
	}
}

func TestResolve_ConcurrentCreatesCollapse(t *testing.T) {
	r, _ := newResolver(t, nil)
	ctx := context.Background()

	const workers = 10
	ids := make([]int64, workers)
	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(ctx, Hints{TelegramID: "4242"})
			assert.NoError(t, err)
			ids[i] = res.ContactID()
			if res.Created {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestResolve_EmptyHints(t *testing.T) {
	r, _ := newResolver(t, nil)
	_, err := r.Resolve(context.Background(), Hints{})
	require.Error(t, err)
	assert.Equal(t, errs.CodeValidation, errs.Code(err))
}
