package recipient

import (
	"context"
	"errors"
	"testing"
)

func TestFilter_RemovesBlacklisted(t *testing.T) {
	t.Parallel()

	rs := []Recipient{New("a@x.org"), New("b@x.org"), New("c@x.org")}
	got, skipped := Filter(rs, NewBlacklist("b@x.org"))

	if !equal(emails(got), []string{"a@x.org", "c@x.org"}) {
		t.Errorf("filtered: got %v", emails(got))
	}
	if skipped != 1 {
		t.Errorf("skipped: got %d, want 1", skipped)
	}
}

func TestFilter_PreservesOrderAndDuplicates(t *testing.T) {
	t.Parallel()

	rs := []Recipient{New("d@x.org"), New("a@x.org"), New("d@x.org"), New("z@x.org"), New("a@x.org")}
	got, skipped := Filter(rs, NewBlacklist("z@x.org"))

	want := []string{"d@x.org", "a@x.org", "d@x.org", "a@x.org"}
	if !equal(emails(got), want) {
		t.Errorf("filtered: got %v, want %v", emails(got), want)
	}
	if skipped != 1 {
		t.Errorf("skipped: got %d, want 1", skipped)
	}
}

func TestFilter_CaseInsensitiveExactMatch(t *testing.T) {
	t.Parallel()

	rs := []Recipient{
		New("Ann@X.org"),
		New("joann@x.org"),
		New("bob@x.org", "Mr.", "ann@x.org"),
	}
	got, _ := Filter(rs, NewBlacklist("  ann@x.org "))

	// Only the address field matches, and only exactly.
	want := []string{"joann@x.org", "bob@x.org"}
	if !equal(emails(got), want) {
		t.Errorf("filtered: got %v, want %v", emails(got), want)
	}
}

func TestFilter_NilBlacklist(t *testing.T) {
	t.Parallel()

	rs := []Recipient{New("a@x.org")}
	got, skipped := Filter(rs, nil)
	if len(got) != 1 || skipped != 0 {
		t.Errorf("nil blacklist should keep everything: %v, %d", emails(got), skipped)
	}
}

func TestLoadBlacklist(t *testing.T) {
	t.Parallel()

	fr := fakeReader{
		"blacklist.txt": "b@x.org\nB@x.org c@x.org\n",
		"optout.csv":    "b@x.org,Mr.,Bob\n",
	}

	bl, err := LoadBlacklist(context.Background(), fr, "blacklist.txt", "plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bl.Len() != 2 {
		t.Errorf("Len: got %d, want 2", bl.Len())
	}

	bl, err = LoadBlacklist(context.Background(), fr, "optout.csv", "csv")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bl.Contains(New("b@x.org")) {
		t.Error("csv blacklist should match on the address column")
	}
	if bl.Contains(New("Mr.")) {
		t.Error("non-address columns must not become entries")
	}
}

func TestLoadBlacklist_EmptyPath(t *testing.T) {
	t.Parallel()

	bl, err := LoadBlacklist(context.Background(), fakeReader{}, "", "plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bl.Len() != 0 {
		t.Errorf("Len: got %d, want 0", bl.Len())
	}
}

func TestLoadBlacklist_Missing(t *testing.T) {
	t.Parallel()

	_, err := LoadBlacklist(context.Background(), fakeReader{}, "blacklist.txt", "plain")
	var fileErr *FileError
	if !errors.As(err, &fileErr) {
		t.Fatalf("expected FileError, got %v", err)
	}
}
