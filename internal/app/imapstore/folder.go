package imapstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/hickar/sendrecv/internal/app/mailer"
)

var flagMap = []struct {
	imap  imap.Flag
	local mailer.Flags
}{
	{imap.FlagSeen, mailer.FlagSeen},
	{imap.FlagAnswered, mailer.FlagAnswered},
	{imap.FlagFlagged, mailer.FlagFlagged},
	{imap.FlagDeleted, mailer.FlagDeleted},
	{imap.FlagDraft, mailer.FlagDraft},
	{imap.FlagForwarded, mailer.FlagForwarded},
	{imap.FlagJunk, mailer.FlagJunk},
}

func fromIMAPFlags(flags []imap.Flag) mailer.Flags {
	var f mailer.Flags
	for _, fl := range flags {
		for _, m := range flagMap {
			if m.imap == fl {
				f |= m.local
			}
		}
	}
	return f
}

func toIMAPFlags(f mailer.Flags) []imap.Flag {
	var flags []imap.Flag
	for _, m := range flagMap {
		if f.Has(m.local) {
			flags = append(flags, m.imap)
		}
	}
	return flags
}

func parseUID(uid string) (imap.UID, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("uid %q: %w", uid, mailer.ErrNotFound)
	}
	return imap.UID(n), nil
}

// Folder is an IMAP mailbox. Server side change notifications are not
// tracked, so Freeze and Thaw have nothing to batch.
type Folder struct {
	name  string
	store *Store
}

func (f *Folder) FullName() string { return f.name }

func (f *Folder) Description() string {
	return fmt.Sprintf("'%s' on %s", f.name, f.store.DisplayName())
}

func (f *Folder) Store() mailer.Store { return f.store }

func (f *Folder) Freeze() {}

func (f *Folder) Thaw() {}

// do runs fn with folder selected on store connection.
func (f *Folder) do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	client, err := f.store.selectLocked(ctx, f.name)
	if err != nil {
		return err
	}
	if err = fn(client); err != nil {
		f.store.dropOnNetErr(err)
		return err
	}
	return nil
}

func (f *Folder) UIDs(ctx context.Context) ([]string, error) {
	var uids []string
	err := f.do(ctx, func(c *imapclient.Client) error {
		data, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("search %s: %w", f.Description(), err)
		}
		all := data.AllUIDs()
		slices.Sort(all)
		for _, uid := range all {
			uids = append(uids, strconv.FormatUint(uint64(uid), 10))
		}
		return nil
	})
	return uids, err
}

type fetched struct {
	flags mailer.Flags
	size  int64
	body  []byte
}

func (f *Folder) fetch(ctx context.Context, uid string, section *imap.FetchItemBodySection) (*fetched, error) {
	n, err := parseUID(uid)
	if err != nil {
		return nil, err
	}

	var res *fetched
	err = f.do(ctx, func(c *imapclient.Client) error {
		cmd := c.Fetch(imap.UIDSetNum(n), &imap.FetchOptions{
			UID:         true,
			Flags:       true,
			RFC822Size:  true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer cmd.Close()

		msg := cmd.Next()
		if msg == nil {
			return cmd.Close()
		}
		res, err = readFetched(msg)
		if err != nil {
			return err
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", uid, f.Description(), err)
	}
	if res == nil {
		return nil, fmt.Errorf("%s in %s: %w", uid, f.Description(), mailer.ErrNotFound)
	}
	return res, nil
}

// readFetched drains streamed fetch items of a single message.
func readFetched(msg *imapclient.FetchMessageData) (*fetched, error) {
	res := &fetched{}
	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch item := item.(type) {
		case imapclient.FetchItemDataFlags:
			res.flags = fromIMAPFlags(item.Flags)
		case imapclient.FetchItemDataRFC822Size:
			res.size = item.Size
		case imapclient.FetchItemDataBodySection:
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(item.Literal); err != nil {
				return nil, fmt.Errorf("read body section: %w", err)
			}
			res.body = buf.Bytes()
		}
	}
	if res.body == nil {
		return nil, errors.New("message body section is nil")
	}
	return res, nil
}

func (f *Folder) MessageInfo(ctx context.Context, uid string) (*mailer.MessageInfo, error) {
	res, err := f.fetch(ctx, uid, &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true})
	if err != nil {
		return nil, err
	}

	msg, err := mailer.ParseMessage(res.body)
	if err != nil {
		return nil, fmt.Errorf("parse header of %s: %w", uid, err)
	}
	info := msg.Info(uid, res.flags)
	info.Size = res.size
	return info, nil
}

func (f *Folder) Message(ctx context.Context, uid string) (*mailer.Message, error) {
	res, err := f.fetch(ctx, uid, &imap.FetchItemBodySection{Peek: true})
	if err != nil {
		return nil, err
	}

	msg, err := mailer.ParseMessage(res.body)
	if err != nil {
		return nil, fmt.Errorf("parse message %s: %w", uid, err)
	}
	return msg, nil
}

func (f *Folder) Append(ctx context.Context, msg *mailer.Message, flags mailer.Flags) (string, error) {
	if err := mailer.CheckCancel(ctx); err != nil {
		return "", err
	}

	raw := msg.Bytes()
	date, _ := msg.Header.Date()

	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	client, err := f.store.connLocked(ctx)
	if err != nil {
		return "", err
	}

	cmd := client.Append(f.name, int64(len(raw)), &imap.AppendOptions{
		Flags: toIMAPFlags(flags &^ mailer.FlagDeleted),
		Time:  date,
	})
	if _, err = cmd.Write(raw); err != nil {
		_ = cmd.Close()
		f.store.dropOnNetErr(err)
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}
	if err = cmd.Close(); err != nil {
		f.store.dropOnNetErr(err)
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}
	data, err := cmd.Wait()
	if err != nil {
		f.store.dropOnNetErr(err)
		return "", fmt.Errorf("append to %s: %w", f.Description(), err)
	}

	// Without UIDPLUS server does not report UID of appended message.
	if data.UID == 0 {
		return "", nil
	}
	return strconv.FormatUint(uint64(data.UID), 10), nil
}

func (f *Folder) SetFlags(ctx context.Context, uid string, mask, set mailer.Flags) error {
	n, err := parseUID(uid)
	if err != nil {
		return err
	}

	add := toIMAPFlags(mask & set)
	del := toIMAPFlags(mask &^ set)

	return f.do(ctx, func(c *imapclient.Client) error {
		for _, change := range []struct {
			op    imap.StoreFlagsOp
			flags []imap.Flag
		}{
			{imap.StoreFlagsAdd, add},
			{imap.StoreFlagsDel, del},
		} {
			if len(change.flags) == 0 {
				continue
			}
			err := c.Store(imap.UIDSetNum(n), &imap.StoreFlags{
				Op:     change.op,
				Silent: true,
				Flags:  change.flags,
			}, nil).Close()
			if err != nil {
				return fmt.Errorf("store flags of %s: %w", uid, err)
			}
		}
		return nil
	})
}

func (f *Folder) MessageCount(ctx context.Context) (int, error) {
	var count int
	err := f.status(ctx, func(data *imap.StatusData) {
		if data.NumMessages != nil {
			count = int(*data.NumMessages)
		}
	})
	return count, err
}

func (f *Folder) status(ctx context.Context, fn func(*imap.StatusData)) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	client, err := f.store.connLocked(ctx)
	if err != nil {
		return err
	}

	data, err := client.Status(f.name, &imap.StatusOptions{NumMessages: true, NumUnseen: true}).Wait()
	if err != nil {
		f.store.dropOnNetErr(err)
		return fmt.Errorf("status of %s: %w", f.Description(), err)
	}
	fn(data)
	return nil
}

// Synchronize expunges messages flagged deleted when asked to. Flag changes
// are stored on the server immediately.
func (f *Folder) Synchronize(ctx context.Context, expunge bool) error {
	if err := mailer.CheckCancel(ctx); err != nil {
		return err
	}
	if !expunge {
		return nil
	}

	return f.do(ctx, func(c *imapclient.Client) error {
		if err := c.Expunge().Close(); err != nil {
			return fmt.Errorf("expunge %s: %w", f.Description(), err)
		}
		return nil
	})
}

func (f *Folder) RefreshInfo(ctx context.Context) error {
	return f.do(ctx, func(c *imapclient.Client) error {
		if err := c.Noop().Wait(); err != nil {
			return fmt.Errorf("refresh %s: %w", f.Description(), err)
		}
		return nil
	})
}
