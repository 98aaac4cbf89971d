package ws

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"parley/internal/chat"
	"parley/internal/delivery"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/storage"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type recordingHandle struct {
	id string

	mu     sync.Mutex
	events []models.ServerEvent
}

func newHandle(id string) *recordingHandle {
	return &recordingHandle{id: id}
}

func (h *recordingHandle) ID() string { return h.id }

func (h *recordingHandle) Send(event models.ServerEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandle) received(types ...models.EventType) []models.ServerEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []models.ServerEvent
	for _, ev := range h.events {
		for _, typ := range types {
			if ev.Type == typ {
				out = append(out, ev)
			}
		}
	}
	return out
}

type hubFixture struct {
	hub   *Hub
	store storage.Store
	reg   *registry.Registry
	index *chat.Index
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	return newHubFixtureFor(t, storage.DriverBbolt)
}

func newHubFixtureFor(t *testing.T, driver string) *hubFixture {
	t.Helper()
	store, err := storage.Open(driver, filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	router := delivery.NewRouter(reg, nil)
	index := chat.NewIndex(store)
	manager := presence.NewManager(store, index, router, nil)
	return &hubFixture{
		hub:   NewHub(store, reg, router, index, manager, nil),
		store: store,
		reg:   reg,
		index: index,
	}
}

func (f *hubFixture) user(t *testing.T, name string) models.User {
	t.Helper()
	u, err := f.store.CreateUser(name, "hash")
	require.NoError(t, err)
	return u
}

func (f *hubFixture) online(t *testing.T, userID int64) bool {
	t.Helper()
	status, err := f.store.GetStatus(userID)
	require.NoError(t, err)
	return status.IsOnline
}

func TestHub_JoinLeave(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	_, _, err := f.index.GetOrCreateSingle(alice.ID, bob.ID)
	require.NoError(t, err)

	bobConn := newHandle("bob-1")
	require.NoError(t, f.hub.Join(bob.ID, bobConn))

	phone, laptop := newHandle("alice-phone"), newHandle("alice-laptop")
	require.NoError(t, f.hub.Join(alice.ID, phone))
	require.NoError(t, f.hub.Join(alice.ID, laptop))
	require.True(t, f.online(t, alice.ID))

	f.hub.Leave(alice.ID, phone)
	require.True(t, f.online(t, alice.ID), "one connection is still live")

	f.hub.Leave(alice.ID, laptop)
	require.False(t, f.online(t, alice.ID))
	require.False(t, f.reg.IsOnline(alice.ID))

	changes := bobConn.received(models.EventPresenceChanged)
	require.Len(t, changes, 2, "one change per flip, not per connection")
	require.True(t, changes[0].Status.IsOnline)
	require.False(t, changes[1].Status.IsOnline)

	f.hub.Leave(alice.ID, phone)
	require.Len(t, bobConn.received(models.EventPresenceChanged), 2, "leaving twice is a no-op")
}

func TestHub_JoinUnknownUser(t *testing.T) {
	f := newHubFixture(t)

	err := f.hub.Join(404, newHandle("ghost"))
	require.ErrorIs(t, err, models.ErrNotFound)
	require.False(t, f.reg.IsOnline(404), "failed join must not leave a registration")
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")

	var wg sync.WaitGroup
	for i := range 20 {
		h := newHandle(fmt.Sprintf("conn-%d", i))
		wg.Go(func() {
			if err := f.hub.Join(alice.ID, h); err != nil {
				t.Error(err)
				return
			}
			f.hub.Leave(alice.ID, h)
		})
	}
	wg.Wait()

	require.False(t, f.reg.IsOnline(alice.ID))
	require.False(t, f.online(t, alice.ID))
	require.Zero(t, f.hub.locks.len())
}

func TestHub_SendMessage(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	alicePhone := newHandle("alice-phone")
	bobPhone, bobLaptop := newHandle("bob-phone"), newHandle("bob-laptop")
	require.NoError(t, f.hub.Join(alice.ID, alicePhone))
	require.NoError(t, f.hub.Join(bob.ID, bobPhone))
	require.NoError(t, f.hub.Join(bob.ID, bobLaptop))

	msg, err := f.hub.SendMessage(alice.ID, SendRequest{Recipient: "bob", Content: "  hello bob  "})
	require.NoError(t, err)
	require.Equal(t, "hello bob", msg.Content)
	require.Equal(t, models.MediaKindText, msg.MediaKind)
	require.Equal(t, alice.ID, msg.SenderID)

	c, ok, err := f.index.FindSingleChat(alice.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, ok, "first message creates the single chat")
	require.Equal(t, c.ID, msg.ChatID)

	for _, h := range []*recordingHandle{bobPhone, bobLaptop} {
		got := h.received(models.EventChatMessage)
		require.Len(t, got, 1)
		require.Equal(t, msg.ID, got[0].Message.ID)
		require.Equal(t, "hello bob", got[0].Message.Content)
	}
	require.Empty(t, alicePhone.received(models.EventChatMessage), "sender is not echoed")

	reply, err := f.hub.SendMessage(bob.ID, SendRequest{ChatID: c.ID, Attachment: "https://cdn.example.com/cat.png"})
	require.NoError(t, err)
	require.Equal(t, c.ID, reply.ChatID)
	require.Equal(t, models.MediaKindImage, reply.MediaKind)
	require.Len(t, alicePhone.received(models.EventChatMessage), 1)

	chats, err := f.index.ChatsForUser(alice.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1, "replies reuse the chat")
}

func TestHub_SendMessage_ConcurrentFirstMessages(t *testing.T) {
	for _, driver := range []string{storage.DriverBbolt, storage.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			for round := range 10 {
				f := newHubFixtureFor(t, driver)
				alice := f.user(t, "alice")
				bob := f.user(t, "bob")

				var toBob, toAlice models.Message
				var g errgroup.Group
				g.Go(func() error {
					var err error
					toBob, err = f.hub.SendMessage(alice.ID, SendRequest{Recipient: "bob", Content: "hi bob"})
					return err
				})
				g.Go(func() error {
					var err error
					toAlice, err = f.hub.SendMessage(bob.ID, SendRequest{Recipient: "alice", Content: "hi alice"})
					return err
				})
				require.NoError(t, g.Wait(), "round %d", round)
				require.Equal(t, toBob.ChatID, toAlice.ChatID, "round %d", round)

				for _, u := range []models.User{alice, bob} {
					chats, err := f.store.ListChatsForUser(u.ID)
					require.NoError(t, err)
					require.Len(t, chats, 1, "round %d: %s sees one chat", round, u.Username)
					require.Equal(t, toBob.ChatID, chats[0].ID)
				}

				msgs, err := f.store.ListMessages(toBob.ChatID, 0, 0)
				require.NoError(t, err)
				require.Len(t, msgs, 2, "round %d", round)
			}
		})
	}
}

func TestHub_SendMessage_OfflineRecipient(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")

	msg, err := f.hub.SendMessage(alice.ID, SendRequest{Recipient: "bob", Content: "are you there"})
	require.NoError(t, err)

	stored, err := f.store.ListMessages(msg.ChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, msg.ID, stored[0].ID)

	bobConn := newHandle("bob")
	require.NoError(t, f.hub.Join(bob.ID, bobConn))
	require.Empty(t, bobConn.received(models.EventChatMessage), "missed messages are not replayed on connect")

	chats, err := f.index.ChatsForUser(bob.ID)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	history, err := f.store.ListMessages(chats[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, msg.ID, history[0].ID)
	require.Equal(t, "are you there", history[0].Content)
}

func TestHub_SendMessage_Rejected(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")
	c, _, err := f.index.GetOrCreateSingle(alice.ID, bob.ID)
	require.NoError(t, err)

	tests := []struct {
		name    string
		sender  int64
		req     SendRequest
		wantErr error
	}{
		{"empty message", alice.ID, SendRequest{Recipient: "bob", Content: "   "}, models.ErrInvalid},
		{"markup only", alice.ID, SendRequest{Recipient: "bob", Content: "<script>x</script>"}, models.ErrInvalid},
		{"unknown recipient", alice.ID, SendRequest{Recipient: "nobody", Content: "hi"}, models.ErrNotFound},
		{"to self", alice.ID, SendRequest{Recipient: "alice", Content: "hi"}, models.ErrInvalid},
		{"not a participant", carol.ID, SendRequest{ChatID: c.ID, Content: "hi"}, models.ErrForbidden},
		{"unknown chat", alice.ID, SendRequest{ChatID: c.ID + 100, Content: "hi"}, models.ErrNotFound},
		{"bad attachment", alice.ID, SendRequest{Recipient: "bob", Attachment: "notes.xyz"}, models.ErrInvalid},
		{"no sender", 0, SendRequest{Recipient: "bob", Content: "hi"}, models.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.hub.SendMessage(tt.sender, tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	msgs, err := f.store.ListMessages(c.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, msgs, "rejected messages are not stored")
}

func TestHub_MarkRead(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")

	_, _, err := f.index.GetOrCreateSingle(alice.ID, carol.ID)
	require.NoError(t, err)

	aliceConn, bobConn, carolConn := newHandle("alice"), newHandle("bob"), newHandle("carol")
	require.NoError(t, f.hub.Join(alice.ID, aliceConn))
	require.NoError(t, f.hub.Join(bob.ID, bobConn))
	require.NoError(t, f.hub.Join(carol.ID, carolConn))

	msg, err := f.hub.SendMessage(alice.ID, SendRequest{Recipient: "bob", Content: "read me"})
	require.NoError(t, err)

	added, err := f.hub.MarkRead(bob.ID, msg.ID)
	require.NoError(t, err)
	require.True(t, added)

	receipts := aliceConn.received(models.EventMessageRead)
	require.Len(t, receipts, 1)
	require.Equal(t, models.ServerEvent{
		Type:      models.EventMessageRead,
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		ReaderID:  bob.ID,
	}, receipts[0])
	require.Empty(t, bobConn.received(models.EventMessageRead), "receipts go to the sender only")
	require.Empty(t, carolConn.received(models.EventMessageRead), "other chats do not see receipts")

	added, err = f.hub.MarkRead(bob.ID, msg.ID)
	require.NoError(t, err)
	require.False(t, added)
	require.Len(t, aliceConn.received(models.EventMessageRead), 1, "repeated reads are silent")

	added, err = f.hub.MarkRead(alice.ID, msg.ID)
	require.NoError(t, err)
	require.False(t, added, "senders do not read their own messages")

	_, err = f.hub.MarkRead(carol.ID, msg.ID)
	require.ErrorIs(t, err, models.ErrForbidden)

	_, err = f.hub.MarkRead(bob.ID, msg.ID+100)
	require.ErrorIs(t, err, models.ErrNotFound)

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{bob.ID}, stored.ReadBy)
}

func TestHub_Ping(t *testing.T) {
	f := newHubFixture(t)
	alice := f.user(t, "alice")
	require.NoError(t, f.hub.Join(alice.ID, newHandle("alice")))

	before, err := f.store.GetStatus(alice.ID)
	require.NoError(t, err)
	require.NoError(t, f.hub.Ping(alice.ID))
	after, err := f.store.GetStatus(alice.ID)
	require.NoError(t, err)

	require.True(t, after.IsOnline)
	require.False(t, after.LastSeen.Before(*before.LastSeen))
}
