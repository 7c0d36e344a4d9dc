package database_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgard/murailocrm/internal/database"
	"github.com/edgard/murailocrm/internal/database/dbtest"
	"github.com/edgard/murailocrm/internal/status"
)

func newContact(t *testing.T, s database.Store, name, telegramID string) *database.Contact {
	t.Helper()
	c := &database.Contact{
		Name:         name,
		TelegramID:   database.NullString(telegramID),
		Completeness: database.Unresolved,
	}
	created, err := s.CreateContact(context.Background(), c)
	require.NoError(t, err)
	require.True(t, created)
	return c
}

func TestCreateContact_ConflictReturnsExisting(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	first := newContact(t, s, "User 42", "42")

	dup := &database.Contact{Name: "Someone Else", TelegramID: database.NullString("42")}
	created, err := s.CreateContact(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, "User 42", dup.Name)
}

func TestCreateContact_ConcurrentSameTelegramID(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := &database.Contact{Name: "User 7", TelegramID: database.NullString("7")}
			_, err := s.CreateContact(ctx, c)
			assert.NoError(t, err)
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestUpgradeContact(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	c := newContact(t, s, "User 100", "100")

	require.NoError(t, s.UpgradeContact(ctx, c.ID, database.ContactUpgrade{
		Name:         "Ann Lee",
		Phone:        "+15550001",
		MarkResolved: true,
	}))

	got, err := s.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", got.Name)
	assert.Equal(t, "+15550001", got.Phone.String)
	assert.Equal(t, database.Resolved, got.Completeness)

	// Resolved names and present identity fields are never overwritten.
	require.NoError(t, s.UpgradeContact(ctx, c.ID, database.ContactUpgrade{
		Name:  "Other Name",
		Phone: "+19999999",
		Email: "ann@example.com",
	}))
	got, err = s.GetContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann Lee", got.Name)
	assert.Equal(t, "+15550001", got.Phone.String)
	assert.Equal(t, "ann@example.com", got.Email.String)
}

func TestFindOpenOrderForContact_SkipsTerminal(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()
	c := newContact(t, s, "Buyer", "5")

	closed := &database.Order{ContactID: c.ID, MainID: database.NullInt64(1), Status: status.Completed}
	_, err := s.CreateOrder(ctx, closed)
	require.NoError(t, err)

	open, err := s.FindOpenOrderForContact(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, open)

	time.Sleep(2 * time.Millisecond)
	active := &database.Order{ContactID: c.ID, MainID: database.NullInt64(2)}
	_, err = s.CreateOrder(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, status.New, active.Status)

	open, err = s.FindOpenOrderForContact(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, active.ID, open.ID)
}

func TestCreateOrder_DuplicateMainID(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()
	c := newContact(t, s, "Buyer", "6")

	o1 := &database.Order{ContactID: c.ID, MainID: database.NullInt64(77)}
	created, err := s.CreateOrder(ctx, o1)
	require.NoError(t, err)
	require.True(t, created)

	o2 := &database.Order{ContactID: c.ID, MainID: database.NullInt64(77)}
	created, err = s.CreateOrder(ctx, o2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, o1.ID, o2.ID)
}

func TestAssignOrderMainID_OnlyOnce(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()
	c := newContact(t, s, "Buyer", "8")

	o := &database.Order{ContactID: c.ID}
	_, err := s.CreateOrder(ctx, o)
	require.NoError(t, err)

	ok, err := s.AssignOrderMainID(ctx, o.ID, 900)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AssignOrderMainID(ctx, o.ID, 901)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.FindOrderByMainID(ctx, 900)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ID, got.ID)
}

func TestInsertMessage_Idempotent(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	m := &database.Message{
		PlatformMessageID: database.NullString("p-1"),
		Role:              database.RoleClient,
		Kind:              database.KindText,
		Content:           "hello",
	}
	inserted, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)
	require.True(t, inserted)

	again := &database.Message{
		PlatformMessageID: database.NullString("p-1"),
		Role:              database.RoleClient,
		Kind:              database.KindText,
		Content:           "hello again",
	}
	inserted, err = s.InsertMessage(ctx, again)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.FindMessageByPlatformID(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
}

func TestUpdateMessage_FieldScoped(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	m := &database.Message{
		TelegramMessageID: database.NullInt64(11),
		Role:              database.RoleClient,
		Kind:              database.KindText,
		Content:           "original",
	}
	_, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	pid := "p-11"
	got, err := s.UpdateMessage(ctx, m.ID, database.MessageUpdate{PlatformMessageID: &pid})
	require.NoError(t, err)
	assert.Equal(t, "original", got.Content)
	assert.Equal(t, "p-11", got.PlatformMessageID.String)
	assert.Equal(t, int64(11), got.TelegramMessageID.Int64)
}

func TestUpdateMessageReactions(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	m := &database.Message{
		TelegramMessageID: database.NullInt64(21),
		Role:              database.RoleManager,
		Kind:              database.KindText,
		Content:           "Order shipped",
	}
	_, err := s.InsertMessage(ctx, m)
	require.NoError(t, err)

	got, err := s.UpdateMessageReactions(ctx, m.ID, func(r database.Reactions) database.Reactions {
		return append(r, database.Reaction{Emoji: "👍", Actor: "client", At: time.Now().UTC()})
	})
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, "👍", got.Reactions[0].Emoji)
	assert.Equal(t, "Order shipped", got.Content)
	assert.Equal(t, database.KindText, got.Kind)
}

func TestDeleteContactIfUnreferenced(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	lonely := newContact(t, s, "User 1", "1")
	busy := newContact(t, s, "User 2", "2")
	_, err := s.CreateOrder(ctx, &database.Order{ContactID: busy.ID, MainID: database.NullInt64(3)})
	require.NoError(t, err)

	ok, err := s.DeleteContactIfUnreferenced(ctx, lonely.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteContactIfUnreferenced(ctx, busy.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetContact(ctx, busy.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestMergeContacts(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	dup := &database.Contact{Name: "User x1", PlatformRef: database.NullString("x1"), Phone: database.NullString("+1555")}
	_, err := s.CreateContact(ctx, dup)
	require.NoError(t, err)
	target := newContact(t, s, "Real Person", "999")

	o := &database.Order{ContactID: dup.ID, MainID: database.NullInt64(50)}
	_, err = s.CreateOrder(ctx, o)
	require.NoError(t, err)
	m := &database.Message{ContactID: database.NullInt64(dup.ID), MainID: database.NullInt64(50),
		TelegramMessageID: database.NullInt64(5), Role: database.RoleClient, Kind: database.KindText}
	_, err = s.InsertMessage(ctx, m)
	require.NoError(t, err)

	stats, err := s.MergeContacts(ctx, dup.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, database.MergeStats{Orders: 1, Messages: 1}, stats)

	gone, err := s.GetContact(ctx, dup.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	moved, err := s.FindOrderByMainID(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, target.ID, moved.ContactID)

	merged, err := s.GetContact(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "+1555", merged.Phone.String)
	assert.Equal(t, "999", merged.TelegramID.String)
}

func TestListMergeCandidates(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	a := newContact(t, s, "User a", "a1")
	b := newContact(t, s, "User b", "b1")
	resolved := &database.Contact{Name: "Known", TelegramID: database.NullString("c1"), Completeness: database.Resolved}
	_, err := s.CreateContact(ctx, resolved)
	require.NoError(t, err)

	all, err := s.ListMergeCandidates(ctx, database.CandidateFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.ListMergeCandidates(ctx, database.CandidateFilter{ContactIDs: []int64{b.ID, resolved.ID}})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, b.ID, only[0].ID)

	limited, err := s.ListMergeCandidates(ctx, database.CandidateFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, a.ID, limited[0].ID)
}

func TestLinkOrderMessage(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()
	c := newContact(t, s, "Buyer", "31")
	o := &database.Order{ContactID: c.ID, MainID: database.NullInt64(31)}
	_, err := s.CreateOrder(ctx, o)
	require.NoError(t, err)
	m := &database.Message{MainID: database.NullInt64(31), TelegramMessageID: database.NullInt64(31),
		Role: database.RoleClient, Kind: database.KindText, Content: "hi"}
	_, err = s.InsertMessage(ctx, m)
	require.NoError(t, err)

	require.NoError(t, s.LinkOrderMessage(ctx, o.ID, m.ID))
	require.NoError(t, s.LinkOrderMessage(ctx, o.ID, m.ID))

	msgs, err := s.ListOrderMessages(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestRunSQLMaintenance(t *testing.T) {
	s := dbtest.NewStore(t)
	require.NoError(t, s.RunSQLMaintenance(context.Background()))
}

func TestMigrationVersion(t *testing.T) {
	db := dbtest.Open(t)

	version, dirty, err := database.MigrationVersion(db.DB, database.DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Re-applying is a no-op.
	require.NoError(t, database.ApplyMigrations(db.DB, database.DriverSQLite))
}

func TestTelegramMessageIDScopedByChat(t *testing.T) {
	s := dbtest.NewStore(t)
	ctx := context.Background()

	insert := func(chatID int64, content string) (*database.Message, bool) {
		m := &database.Message{
			TelegramChatID:    database.NullInt64(chatID),
			TelegramMessageID: database.NullInt64(7),
			Role:              database.RoleClient,
			Kind:              database.KindText,
			Content:           content,
		}
		inserted, err := s.InsertMessage(ctx, m)
		require.NoError(t, err)
		return m, inserted
	}

	a, ok := insert(111, "from chat 111")
	require.True(t, ok)
	b, ok := insert(222, "from chat 222")
	require.True(t, ok)
	assert.NotEqual(t, a.ID, b.ID)

	_, ok = insert(111, "redelivered")
	assert.False(t, ok)

	got, err := s.FindMessageByTelegramID(ctx, 222, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "from chat 222", got.Content)

	got, err = s.FindMessageByTelegramID(ctx, 0, 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}
