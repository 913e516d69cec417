package poster

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap/zaptest"

	"github.com/mikequentel/wird/internal/model"
	"github.com/mikequentel/wird/internal/social"
	"github.com/mikequentel/wird/internal/store"
)

var fixedNow = time.Date(2024, 3, 11, 5, 0, 0, 0, time.UTC)

var link = model.Linkage{Provider: "mastodon", Instance: "mastodon.social", AccessToken: "tok", ExternalID: "42"}

// fakePublisher records every status and fails when err is set.
type fakePublisher struct {
	mu    sync.Mutex
	limit int
	err   error
	sent  []string
}

func (f *fakePublisher) Name() string  { return "mastodon" }
func (f *fakePublisher) MaxChars() int { return f.limit }

func (f *fakePublisher) Publish(_ context.Context, _ model.Linkage, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, text)
	return "status-" + string(rune('0'+len(f.sent))), nil
}

func newService(t *testing.T, verseCount int, pub *fakePublisher) (*Service, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	vs := make([]model.Verse, verseCount)
	for i := range vs {
		vs[i] = model.Verse{Chapter: 1, ChapterNameTranslit: "Al-Fatihah", Number: i + 1, Text: "verse " + string(rune('a'+i))}
	}
	if err := st.AddVerses(context.Background(), vs); err != nil {
		t.Fatal(err)
	}
	svc := New(st, social.NewRegistry(pub), zaptest.NewLogger(t))
	svc.now = func() time.Time { return fixedNow }
	return svc, st
}

func newAccount(t *testing.T, st store.Store, cursor int, l model.Linkage) model.Account {
	t.Helper()
	a, err := st.CreateAccount(context.Background(), model.Account{Username: "alice", Link: l, Cursor: cursor})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func posts(t *testing.T, st store.Store, id int64) []model.PostRecord {
	t.Helper()
	ps, err := st.RecentPosts(context.Background(), id, -1)
	if err != nil {
		t.Fatal(err)
	}
	return ps
}

func TestPost_SuccessAdvancesCursor(t *testing.T) {
	pub := &fakePublisher{}
	svc, st := newService(t, 3, pub)
	acct := newAccount(t, st, 0, link)

	rec, err := svc.Post(context.Background(), acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := model.PostRecord{
		AccountID:      acct.ID,
		VerseIndex:     0,
		ExternalPostID: "status-1",
		PostedAt:       fixedNow,
		Success:        true,
	}
	if diff := cmp.Diff(want, rec, cmpopts.IgnoreFields(model.PostRecord{}, "ID")); diff != "" {
		t.Errorf("record -want +got\n%s", diff)
	}

	got, _ := st.Account(context.Background(), acct.ID)
	if got.Cursor != 1 || got.DaysPosted != 1 {
		t.Errorf("after post cursor=%d days=%d, want 1 and 1", got.Cursor, got.DaysPosted)
	}
	if ps := posts(t, st, acct.ID); len(ps) != 1 || !ps[0].Success || ps[0].VerseIndex != 0 {
		t.Errorf("unexpected post log: %+v", ps)
	}
	if len(pub.sent) != 1 || pub.sent[0] != "verse a\n[Surah Al-Fatihah, Verse 1]" {
		t.Errorf("unexpected status: %q", pub.sent)
	}
}

func TestPost_CursorWraps(t *testing.T) {
	svc, st := newService(t, 3, &fakePublisher{})
	acct := newAccount(t, st, 2, link)

	rec, err := svc.Post(context.Background(), acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.VerseIndex != 2 {
		t.Errorf("posted verse %d, want 2", rec.VerseIndex)
	}
	got, _ := st.Account(context.Background(), acct.ID)
	if got.Cursor != 0 || got.DaysPosted != 1 {
		t.Errorf("after post cursor=%d days=%d, want 0 and 1", got.Cursor, got.DaysPosted)
	}
}

func TestPost_FullCycle(t *testing.T) {
	svc, st := newService(t, 3, &fakePublisher{})
	acct := newAccount(t, st, 0, link)

	for day := 1; day <= 7; day++ {
		if _, err := svc.Post(context.Background(), acct.ID); err != nil {
			t.Fatalf("day %d: %v", day, err)
		}
		got, _ := st.Account(context.Background(), acct.ID)
		if got.Cursor != day%3 || got.DaysPosted != day {
			t.Fatalf("day %d: cursor=%d days=%d", day, got.Cursor, got.DaysPosted)
		}
		if n := len(posts(t, st, acct.ID)); n != day {
			t.Fatalf("day %d: %d post records, want %d", day, n, day)
		}
	}
}

func TestPost_FailureLeavesAccountUnchanged(t *testing.T) {
	pub := &fakePublisher{err: errors.New("HTTP 401: The access token is invalid")}
	svc, st := newService(t, 3, pub)
	acct := newAccount(t, st, 1, link)

	rec, err := svc.Post(context.Background(), acct.ID)
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PublishError, got %v", err)
	}
	if !errors.Is(err, pub.err) {
		t.Error("PublishError does not unwrap to the cause")
	}
	if rec.Success || rec.Error == "" || rec.ExternalPostID != "" || rec.VerseIndex != 1 {
		t.Errorf("unexpected failure record: %+v", rec)
	}

	got, _ := st.Account(context.Background(), acct.ID)
	if got.Cursor != 1 || got.DaysPosted != 0 {
		t.Errorf("failure moved the account: cursor=%d days=%d", got.Cursor, got.DaysPosted)
	}
	ps := posts(t, st, acct.ID)
	if len(ps) != 1 || ps[0].Success || !strings.Contains(ps[0].Error, "access token is invalid") {
		t.Errorf("unexpected post log: %+v", ps)
	}
}

func TestPost_FailureWithBlankErrorStillHasDetail(t *testing.T) {
	for _, msg := range []string{"", "  "} {
		pub := &fakePublisher{err: errors.New(msg)}
		svc, st := newService(t, 3, pub)
		acct := newAccount(t, st, 0, link)

		rec, err := svc.Post(context.Background(), acct.ID)
		var pe *PublishError
		if !errors.As(err, &pe) {
			t.Fatalf("error %q: expected *PublishError, got %v", msg, err)
		}
		if rec.Success || rec.Error != "publish failed" {
			t.Errorf("error %q: unexpected record: %+v", msg, rec)
		}
		ps := posts(t, st, acct.ID)
		if len(ps) != 1 || ps[0].Error != "publish failed" {
			t.Errorf("error %q: unexpected post log: %+v", msg, ps)
		}
	}
}

func TestPost_RetryAfterFailurePostsSameVerse(t *testing.T) {
	pub := &fakePublisher{err: errors.New("timeout")}
	svc, st := newService(t, 3, pub)
	acct := newAccount(t, st, 0, link)

	svc.Post(context.Background(), acct.ID)
	pub.err = nil
	rec, err := svc.Post(context.Background(), acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.VerseIndex != 0 {
		t.Errorf("retry posted verse %d, want 0", rec.VerseIndex)
	}
	if n := len(posts(t, st, acct.ID)); n != 2 {
		t.Errorf("%d post records, want 2", n)
	}
}

func TestPost_NotFound(t *testing.T) {
	svc, st := newService(t, 3, &fakePublisher{})

	_, err := svc.Post(context.Background(), 999)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(posts(t, st, 999)); n != 0 {
		t.Errorf("%d post records for missing account, want 0", n)
	}
}

func TestPost_NotLinked(t *testing.T) {
	tests := []struct {
		name string
		link model.Linkage
	}{
		{"never linked", model.Linkage{}},
		{"missing token", model.Linkage{Provider: "mastodon", Instance: "mastodon.social", ExternalID: "42"}},
		{"missing external id", model.Linkage{Provider: "mastodon", Instance: "mastodon.social", AccessToken: "tok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			svc, st := newService(t, 3, pub)
			acct := newAccount(t, st, 0, tt.link)

			if _, err := svc.Post(context.Background(), acct.ID); !errors.Is(err, ErrNotLinked) {
				t.Fatalf("expected ErrNotLinked, got %v", err)
			}
			if n := len(posts(t, st, acct.ID)); n != 0 {
				t.Errorf("%d post records, want 0", n)
			}
			if len(pub.sent) != 0 {
				t.Error("published for an unlinked account")
			}
		})
	}
}

func TestPost_NoVerses(t *testing.T) {
	svc, st := newService(t, 0, &fakePublisher{})
	acct := newAccount(t, st, 0, link)

	if _, err := svc.Post(context.Background(), acct.ID); !errors.Is(err, store.ErrNoVerses) {
		t.Fatalf("expected ErrNoVerses, got %v", err)
	}
	if n := len(posts(t, st, acct.ID)); n != 0 {
		t.Errorf("%d post records, want 0", n)
	}
}

func TestPost_UnknownProviderIsPublishFailure(t *testing.T) {
	svc, st := newService(t, 3, &fakePublisher{})
	l := link
	l.Provider = "myspace"
	acct := newAccount(t, st, 0, l)

	_, err := svc.Post(context.Background(), acct.ID)
	var pe *PublishError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PublishError, got %v", err)
	}
	ps := posts(t, st, acct.ID)
	if len(ps) != 1 || !strings.Contains(ps[0].Error, "unsupported provider") {
		t.Errorf("unexpected post log: %+v", ps)
	}
}

func TestPost_FitsProviderLimit(t *testing.T) {
	pub := &fakePublisher{limit: 20}
	svc, st := newService(t, 1, pub)
	acct := newAccount(t, st, 0, link)

	if _, err := svc.Post(context.Background(), acct.ID); err != nil {
		t.Fatal(err)
	}
	if got := []rune(pub.sent[0]); len(got) > 20 {
		t.Errorf("status has %d runes, limit 20: %q", len(got), pub.sent[0])
	}
}

// appendFails makes AppendPost fail so the ordering of writes is visible.
type appendFails struct{ store.Store }

func (appendFails) AppendPost(context.Context, model.PostRecord) (model.PostRecord, error) {
	return model.PostRecord{}, errors.New("disk full")
}

func TestPost_RecordWrittenBeforeAdvance(t *testing.T) {
	pub := &fakePublisher{}
	_, mem := newService(t, 3, pub)
	acct := newAccount(t, mem, 0, link)
	svc := New(appendFails{mem}, social.NewRegistry(pub), zaptest.NewLogger(t))

	if _, err := svc.Post(context.Background(), acct.ID); err == nil {
		t.Fatal("expected error when the post log is unwritable")
	}
	got, _ := mem.Account(context.Background(), acct.ID)
	if got.Cursor != 0 || got.DaysPosted != 0 {
		t.Errorf("account advanced without a post record: cursor=%d days=%d", got.Cursor, got.DaysPosted)
	}
}
