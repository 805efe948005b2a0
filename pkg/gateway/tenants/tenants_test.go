package tenants

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeRow struct {
	biz *Business
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.biz == nil {
		return pgx.ErrNoRows
	}
	vals := []string{r.biz.ID, r.biz.Name, r.biz.PhoneNumber, r.biz.Greeting, r.biz.Instructions, r.biz.Voice, r.biz.Language, r.biz.EscalationNumber}
	for i, d := range dest {
		*(d.(*string)) = vals[i]
	}
	return nil
}

type fakeDB struct {
	rows    map[string]Business
	err     error
	queries int
	args    []any
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	db.queries++
	db.args = args
	if db.err != nil {
		return fakeRow{err: db.err}
	}
	b, ok := db.rows[args[0].(string)]
	if !ok {
		return fakeRow{}
	}
	return fakeRow{biz: &b}
}

func TestLookupByPhone_FoundAndCached(t *testing.T) {
	db := &fakeDB{rows: map[string]Business{
		"+15552223333": {ID: "biz_1", Name: "Acme Plumbing", PhoneNumber: "+15552223333", Voice: "verse"},
	}}
	d := NewDirectory(db, Options{})

	b, err := d.LookupByPhone(context.Background(), "(555) 222-3333")
	if err != nil {
		t.Fatalf("LookupByPhone() error = %v", err)
	}
	if b.ID != "biz_1" || b.Name != "Acme Plumbing" || b.Voice != "verse" {
		t.Fatalf("business=%+v", b)
	}
	if db.args[0] != "+15552223333" {
		t.Fatalf("query arg=%v", db.args[0])
	}

	if _, err := d.LookupByPhone(context.Background(), "+1 555 222 3333"); err != nil {
		t.Fatalf("second lookup error = %v", err)
	}
	if db.queries != 1 {
		t.Fatalf("queries=%d, want 1 (cached)", db.queries)
	}
}

func TestLookupByPhone_NotFoundIsCached(t *testing.T) {
	db := &fakeDB{}
	d := NewDirectory(db, Options{})
	for i := 0; i < 2; i++ {
		if _, err := d.LookupByPhone(context.Background(), "+15550000000"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err=%v, want ErrNotFound", err)
		}
	}
	if db.queries != 1 {
		t.Fatalf("queries=%d, want 1", db.queries)
	}
	if _, err := d.LookupByPhone(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty number err=%v", err)
	}
}

func TestLookupByPhone_DatabaseErrorNotCached(t *testing.T) {
	db := &fakeDB{err: errors.New("connection reset")}
	d := NewDirectory(db, Options{})
	_, err := d.LookupByPhone(context.Background(), "+15550000000")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	db.err = nil
	if _, err := d.LookupByPhone(context.Background(), "+15550000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if db.queries != 2 {
		t.Fatalf("queries=%d, want 2", db.queries)
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+15552223333":     "+15552223333",
		"555-222-3333":     "+15552223333",
		"1 555 222 3333":   "+15552223333",
		"+44 20 7946 0958": "+442079460958",
		"":                 "",
		"n/a":              "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Fatalf("NormalizePhone(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("migrations=%v", files)
	}
}
