package localstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-maildir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hickar/sendrecv/internal/app/mailer"
	"github.com/hickar/sendrecv/internal/pkg/logger"
)

func message(t *testing.T, subject string) *mailer.Message {
	t.Helper()
	msg, err := mailer.ParseMessage([]byte("From: a@example.com\r\nSubject: " + subject + "\r\n\r\nbody\r\n"))
	require.NoError(t, err)
	return msg
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	return s
}

func TestOpenCreatesStandardFolders(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, name := range []string{Inbox, Outbox, Sent, Drafts, Trash, Junk} {
		_, err := os.Stat(filepath.Join(s.Root(), name, "cur"))
		assert.NoError(t, err, name)
	}

	_, err := s.Folder(ctx, "Missing")
	assert.ErrorIs(t, err, mailer.ErrFolderInvalid)
	_, err = s.Folder(ctx, "../escape")
	assert.ErrorIs(t, err, mailer.ErrFolderInvalid)

	inbox, err := s.Inbox(ctx)
	require.NoError(t, err)
	again, err := s.Folder(ctx, "/Inbox/")
	require.NoError(t, err)
	assert.Same(t, inbox, again)
	assert.Equal(t, "'Inbox' on On This Computer", inbox.Description())
}

func TestAppendListAndFlags(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	inbox, err := s.Inbox(ctx)
	require.NoError(t, err)

	var uids []string
	for _, subject := range []string{"one", "two", "three"} {
		uid, err := inbox.Append(ctx, message(t, subject), mailer.FlagSeen)
		require.NoError(t, err)
		uids = append(uids, uid)
	}

	listed, err := inbox.UIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, uids, listed)

	info, err := inbox.MessageInfo(ctx, uids[1])
	require.NoError(t, err)
	assert.Equal(t, "two", info.Subject)
	assert.Equal(t, mailer.FlagSeen, info.Flags)

	require.NoError(t, inbox.SetFlags(ctx, uids[1], mailer.FlagSeen|mailer.FlagFlagged, mailer.FlagFlagged))
	info, err = inbox.MessageInfo(ctx, uids[1])
	require.NoError(t, err)
	assert.Equal(t, mailer.FlagFlagged, info.Flags)

	_, err = inbox.Message(ctx, "nope")
	assert.ErrorIs(t, err, mailer.ErrNotFound)
}

func TestExpunge(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	outbox, err := s.Folder(ctx, Outbox)
	require.NoError(t, err)

	keep, err := outbox.Append(ctx, message(t, "keep"), 0)
	require.NoError(t, err)
	drop, err := outbox.Append(ctx, message(t, "drop"), 0)
	require.NoError(t, err)
	require.NoError(t, outbox.SetFlags(ctx, drop, mailer.FlagDeleted, mailer.FlagDeleted))

	require.NoError(t, outbox.Synchronize(ctx, false))
	n, err := outbox.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, outbox.Synchronize(ctx, true))
	uids, err := outbox.UIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{keep}, uids)
}

func TestDeliveredMessagesAreListed(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	d, err := maildir.NewDelivery(filepath.Join(s.Root(), Inbox))
	require.NoError(t, err)
	_, err = d.Write([]byte("Subject: delivered\r\n\r\nhi\r\n"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	inbox, err := s.Inbox(ctx)
	require.NoError(t, err)
	uids, err := inbox.UIDs(ctx)
	require.NoError(t, err)
	require.Len(t, uids, 1)

	msg, err := inbox.Message(ctx, uids[0])
	require.NoError(t, err)
	assert.Equal(t, "delivered", msg.Subject())
}

func TestFreezeCoalescesChanges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var batches [][]string
	s.SetChangeFunc(func(_ mailer.Folder, changed []string) {
		batches = append(batches, changed)
	})

	sent, err := s.Folder(ctx, Sent)
	require.NoError(t, err)

	sent.Freeze()
	sent.Freeze()
	for _, subject := range []string{"a", "b", "c"} {
		_, err = sent.Append(ctx, message(t, subject), 0)
		require.NoError(t, err)
	}
	sent.Thaw()
	assert.Empty(t, batches)
	sent.Thaw()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)

	_, err = sent.Append(ctx, message(t, "d"), 0)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}

func TestFolderInfo(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Create("Lists/golang")
	require.NoError(t, err)
	inbox, err := s.Inbox(ctx)
	require.NoError(t, err)
	_, err = inbox.Append(ctx, message(t, "unread"), 0)
	require.NoError(t, err)

	roots, err := s.FolderInfo(ctx)
	require.NoError(t, err)

	byName := map[string]*mailer.FolderInfo{}
	for _, r := range roots {
		r.Walk(func(fi *mailer.FolderInfo) { byName[fi.FullName] = fi })
	}

	require.Contains(t, byName, "Lists")
	require.Contains(t, byName, "Lists/golang")
	assert.False(t, byName["Lists"].Selectable())
	assert.True(t, byName["Lists/golang"].Selectable())
	assert.Equal(t, []*mailer.FolderInfo{byName["Lists/golang"]}, byName["Lists"].Children)
	assert.Equal(t, 1, byName[Inbox].Unread)
	assert.Equal(t, mailer.FolderTypeInbox, byName[Inbox].Flags)
}
