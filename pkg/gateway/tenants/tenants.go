// Package tenants resolves the business that owns a dialled phone number.
package tenants

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("tenants: business not found")

type Business struct {
	ID               string
	Name             string
	PhoneNumber      string
	Greeting         string
	Instructions     string
	Voice            string
	Language         string
	EscalationNumber string
}

// Querier is the subset of *pgxpool.Pool the directory uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

type Directory struct {
	db     Querier
	cache  *expirable.LRU[string, lookup]
	logger *slog.Logger
}

// lookup caches misses too, so unknown numbers do not hit the database on
// every call.
type lookup struct {
	biz   Business
	found bool
}

func NewDirectory(db Querier, opts Options) *Directory {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Directory{
		db:     db,
		cache:  expirable.NewLRU[string, lookup](opts.CacheSize, nil, opts.CacheTTL),
		logger: opts.Logger,
	}
}

const lookupByPhoneSQL = `
SELECT id, name, phone_number, greeting, instructions, voice, language, escalation_number
FROM businesses
WHERE phone_number = $1 AND active
LIMIT 1`

// LookupByPhone returns the active business owning number, or ErrNotFound.
func (d *Directory) LookupByPhone(ctx context.Context, number string) (Business, error) {
	key := NormalizePhone(number)
	if key == "" {
		return Business{}, ErrNotFound
	}
	if hit, ok := d.cache.Get(key); ok {
		if !hit.found {
			return Business{}, ErrNotFound
		}
		return hit.biz, nil
	}

	var b Business
	err := d.db.QueryRow(ctx, lookupByPhoneSQL, key).Scan(
		&b.ID, &b.Name, &b.PhoneNumber, &b.Greeting, &b.Instructions, &b.Voice, &b.Language, &b.EscalationNumber,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		d.cache.Add(key, lookup{})
		return Business{}, ErrNotFound
	}
	if err != nil {
		return Business{}, fmt.Errorf("lookup business for %s: %w", key, err)
	}
	d.cache.Add(key, lookup{biz: b, found: true})
	return b, nil
}

// NormalizePhone reduces a number to E.164 form. North American ten-digit
// numbers get a +1 prefix.
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	switch {
	case d == "":
		return ""
	case strings.HasPrefix(raw, "+"):
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	default:
		return "+" + d
	}
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open tenant database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("tenant migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("tenant migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("tenant migration applied", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}
