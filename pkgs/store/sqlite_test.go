package store_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/store"
	"github.com/emx-mail/msgserver/pkgs/store/storetest"
)

func addMessage(t *testing.T, s store.Store, m *email.Message) *email.Message {
	t.Helper()
	if err := s.AddMessage(context.Background(), m); err != nil {
		t.Fatalf("AddMessage() error: %v", err)
	}
	return m
}

func TestMessageRoundTrip(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := addMessage(t, s, &email.Message{
		AccountID: "work",
		FolderID:  "f1",
		ServerUID: "INBOX|7",
		Kind:      email.KindEmail,
		From:      email.Address{Name: "Alice", Email: "alice@example.com"},
		To:        []email.Address{{Email: "bob@example.com"}},
		Bcc:       []email.Address{{Email: "+15550001"}},
		Subject:   "hello",
		Date:      date,
		Size:      1234,
		Flags:     email.MessageFlag{Seen: true, Flagged: true},
		Status:    email.StatusIncoming | email.StatusPartial,
		Content:   []byte("Subject: hello\r\n\r\n"),
	})
	if m.ID == "" {
		t.Fatal("AddMessage() did not assign an id")
	}

	got, err := s.Message(ctx, m.ID)
	if err != nil {
		t.Fatalf("Message() error: %v", err)
	}
	if got.ServerUID != "INBOX|7" || got.Subject != "hello" || got.Size != 1234 {
		t.Errorf("unexpected message: %+v", got)
	}
	if got.From != m.From || len(got.To) != 1 || len(got.Bcc) != 1 {
		t.Errorf("addresses not preserved: %+v", got)
	}
	if !got.Flags.Seen || !got.Flags.Flagged || got.Flags.Deleted {
		t.Errorf("flags = %+v", got.Flags)
	}
	if !got.Date.Equal(date) {
		t.Errorf("Date = %v, want %v", got.Date, date)
	}
	if !bytes.Equal(got.Content, m.Content) {
		t.Errorf("Content = %q", got.Content)
	}

	got.Content = []byte("Subject: hello\r\n\r\nfull body")
	got.SetStatus(email.StatusPartial, false)
	got.SetStatus(email.StatusDownloaded, true)
	if err := s.UpdateMessage(ctx, got); err != nil {
		t.Fatalf("UpdateMessage() error: %v", err)
	}
	byUID, err := s.MessageByServerUID(ctx, "work", "INBOX|7")
	if err != nil {
		t.Fatalf("MessageByServerUID() error: %v", err)
	}
	if !byUID.Has(email.StatusDownloaded) || byUID.Has(email.StatusPartial) {
		t.Errorf("status = %b", byUID.Status)
	}

	if _, err := s.Message(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Message(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.UpdateMessage(ctx, &email.Message{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestQueryFilters(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	a := addMessage(t, s, &email.Message{AccountID: "acc", FolderID: "f", ServerUID: "1", Status: email.StatusIncoming | email.StatusNew, Kind: email.KindEmail})
	addMessage(t, s, &email.Message{AccountID: "acc", FolderID: "f", ServerUID: "2", Status: email.StatusIncoming | email.StatusRead, Kind: email.KindEmail})
	addMessage(t, s, &email.Message{AccountID: "acc", FolderID: "g", Status: email.StatusOutgoing, Kind: email.KindSMS})
	addMessage(t, s, &email.Message{AccountID: "other", FolderID: "f", ServerUID: "1", Status: email.StatusIncoming})

	tests := []struct {
		name   string
		filter store.Filter
		want   int
	}{
		{"account", store.Filter{AccountID: "acc"}, 3},
		{"folder", store.Filter{AccountID: "acc", FolderID: "f"}, 2},
		{"set bits", store.Filter{Set: email.StatusIncoming | email.StatusNew}, 1},
		{"unset bits", store.Filter{AccountID: "acc", Unset: email.StatusRead}, 2},
		{"kind", store.Filter{Kind: email.KindSMS}, 1},
		{"ids", store.Filter{IDs: []string{a.ID, "nope"}}, 1},
		{"empty ids", store.Filter{IDs: []string{}}, 0},
		{"server uids", store.Filter{AccountID: "acc", ServerUIDs: []string{"1", "2"}}, 2},
		{"limit", store.Filter{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.QueryMessages(ctx, tt.filter)
			if err != nil {
				t.Fatalf("QueryMessages() error: %v", err)
			}
			if len(msgs) != tt.want {
				t.Errorf("got %d messages, want %d", len(msgs), tt.want)
			}
			if tt.filter.Limit == 0 {
				n, err := s.CountMessages(ctx, tt.filter)
				if err != nil || n != tt.want {
					t.Errorf("CountMessages() = %d, %v; want %d", n, err, tt.want)
				}
			}
		})
	}

	uids, err := s.ServerUIDs(ctx, store.Filter{AccountID: "acc"})
	if err != nil {
		t.Fatalf("ServerUIDs() error: %v", err)
	}
	if len(uids) != 2 || uids[0] != "1" || uids[1] != "2" {
		t.Errorf("ServerUIDs() = %v", uids)
	}
}

func TestUpdateStatus(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	var changes []store.Change
	cancel := s.Subscribe(func(c store.Change) { changes = append(changes, c) })
	defer cancel()

	addMessage(t, s, &email.Message{AccountID: "acc", Status: email.StatusIncoming | email.StatusNew})
	addMessage(t, s, &email.Message{AccountID: "acc", Status: email.StatusIncoming | email.StatusNew, Kind: email.KindSMS})

	n, err := s.UpdateStatus(ctx, store.Filter{AccountID: "acc", Set: email.StatusNew}, email.StatusRead, email.StatusNew)
	if err != nil {
		t.Fatalf("UpdateStatus() error: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d, want 2", n)
	}
	if left, _ := s.CountMessages(ctx, store.Filter{Set: email.StatusNew}); left != 0 {
		t.Errorf("%d messages still new", left)
	}
	if read, _ := s.CountMessages(ctx, store.Filter{Set: email.StatusRead | email.StatusIncoming}); read != 2 {
		t.Errorf("%d messages read, want 2", read)
	}
	last := changes[len(changes)-1]
	if last.Kind != store.MessagesUpdated || len(last.IDs) != 2 {
		t.Errorf("last change = %+v", last)
	}
}

func TestRemoveMessagesRecordsDeletions(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	var deletions []store.Change
	s.Subscribe(func(c store.Change) {
		if c.Kind == store.DeletionsAdded {
			deletions = append(deletions, c)
		}
	})

	onServer := addMessage(t, s, &email.Message{AccountID: "acc", FolderID: "inbox", ServerUID: "INBOX|1"})
	gone := addMessage(t, s, &email.Message{AccountID: "acc", FolderID: "inbox", ServerUID: "INBOX|2", Status: email.StatusRemoved})
	local := addMessage(t, s, &email.Message{AccountID: "acc", Status: email.StatusOutgoing})

	if err := s.RemoveMessages(ctx, []string{onServer.ID, gone.ID, local.ID}); err != nil {
		t.Fatalf("RemoveMessages() error: %v", err)
	}
	if n, _ := s.CountMessages(ctx, store.Filter{AccountID: "acc"}); n != 0 {
		t.Errorf("%d messages left", n)
	}

	recs, err := s.DeletionRecords(ctx, "acc", "")
	if err != nil {
		t.Fatalf("DeletionRecords() error: %v", err)
	}
	if len(recs) != 1 || recs[0].ServerUID != "INBOX|1" || recs[0].FolderID != "inbox" {
		t.Fatalf("DeletionRecords() = %+v", recs)
	}
	if len(deletions) != 1 || deletions[0].IDs[0] != "INBOX|1" {
		t.Errorf("deletion notifications = %+v", deletions)
	}

	if recs, _ := s.DeletionRecords(ctx, "acc", "elsewhere"); len(recs) != 0 {
		t.Errorf("folder filter returned %+v", recs)
	}
	if err := s.PurgeDeletionRecords(ctx, "acc", []string{}); err != nil {
		t.Fatalf("PurgeDeletionRecords(empty) error: %v", err)
	}
	if recs, _ := s.DeletionRecords(ctx, "acc", ""); len(recs) != 1 {
		t.Error("empty uid list should purge nothing")
	}
	if err := s.PurgeDeletionRecords(ctx, "acc", []string{"INBOX|1"}); err != nil {
		t.Fatalf("PurgeDeletionRecords() error: %v", err)
	}
	if recs, _ := s.DeletionRecords(ctx, "acc", ""); len(recs) != 0 {
		t.Errorf("records left after purge: %+v", recs)
	}
}

func TestFolders(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	parent := &email.Folder{AccountID: "acc", Path: "Work", Name: "Work", Delimiter: "/", Status: email.FolderSyncEnabled}
	if err := s.AddFolder(ctx, parent); err != nil {
		t.Fatalf("AddFolder() error: %v", err)
	}
	child := &email.Folder{AccountID: "acc", ParentID: parent.ID, Path: "Work/Reports", Name: "Reports", Delimiter: "/"}
	if err := s.AddFolder(ctx, child); err != nil {
		t.Fatalf("AddFolder() error: %v", err)
	}
	if err := s.AddFolder(ctx, &email.Folder{AccountID: "acc", Path: "Work"}); err == nil {
		t.Error("duplicate path should fail")
	}

	child.SetStatus(email.FolderSynchronized|email.FolderSyncEnabled, true)
	child.ServerCount = 3
	if err := s.UpdateFolder(ctx, child); err != nil {
		t.Fatalf("UpdateFolder() error: %v", err)
	}
	got, err := s.FolderByPath(ctx, "acc", "Work/Reports")
	if err != nil {
		t.Fatalf("FolderByPath() error: %v", err)
	}
	if got.ParentID != parent.ID || !got.Has(email.FolderSynchronized) || got.ServerCount != 3 {
		t.Errorf("unexpected folder: %+v", got)
	}

	m := addMessage(t, s, &email.Message{AccountID: "acc", FolderID: child.ID, ServerUID: "Work/Reports|1"})
	ids, err := s.RemoveFolder(ctx, child.ID)
	if err != nil {
		t.Fatalf("RemoveFolder() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Errorf("RemoveFolder() ids = %v", ids)
	}
	after, _ := s.Message(ctx, m.ID)
	if !after.Has(email.StatusRemoved) {
		t.Error("message of removed folder not marked removed")
	}
	folders, _ := s.Folders(ctx, "acc")
	if len(folders) != 1 || folders[0].Path != "Work" {
		t.Errorf("Folders() = %+v", folders)
	}
	if _, err := s.Folder(ctx, child.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Folder(removed) error = %v", err)
	}
}

func TestStorageFull(t *testing.T) {
	s := storetest.New(t)
	ctx := context.Background()

	if err := s.CheckSpace(ctx, 1<<20); err != nil {
		t.Fatalf("CheckSpace() without quota: %v", err)
	}
	if err := s.SetQuota(64 * 1024); err != nil {
		t.Fatalf("SetQuota() error: %v", err)
	}
	if err := s.CheckSpace(ctx, 1<<20); !errors.Is(err, store.ErrStorageFull) {
		t.Errorf("CheckSpace() error = %v, want ErrStorageFull", err)
	}

	big := bytes.Repeat([]byte("x"), 256*1024)
	err := s.AddMessage(ctx, &email.Message{AccountID: "acc", Content: big})
	if !errors.Is(err, store.ErrStorageFull) {
		t.Errorf("AddMessage() error = %v, want ErrStorageFull", err)
	}
}
