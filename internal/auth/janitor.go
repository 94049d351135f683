package auth

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Janitor sweeps expired recovery rows, trust records and password history
// on an interval. Redis-held artifacts (revocation entries, cached
// identities, SMS codes) expire by key TTL and need no sweeping.
type Janitor struct {
	DB       *pgxpool.Pool
	Interval time.Duration
}

func NewJanitor(db *pgxpool.Pool, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Janitor{DB: db, Interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval. Callers
// start it in its own goroutine.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep deletes rows whose expiry has passed. Requests keep a grace period
// equal to the sweep interval so a just-expired request still reads as
// expired (not missing) while a caller is mid-flow.
func (j *Janitor) Sweep(ctx context.Context) {
	grace := time.Now().Add(-j.Interval)

	// Deleting a request cascades to its verification attempts.
	sweeps := []struct {
		name  string
		query string
		args  []interface{}
	}{
		{"recovery requests", `DELETE FROM forgot_password_requests WHERE expires_at < $1`, []interface{}{grace}},
		{"trusted devices", `DELETE FROM trusted_devices WHERE expires_at < NOW()`, nil},
		{"password history", `DELETE FROM password_history WHERE expires_at < NOW()`, nil},
	}

	for _, s := range sweeps {
		tag, err := j.DB.Exec(ctx, s.query, s.args...)
		if err != nil {
			log.Printf("janitor: sweep of %s failed: %v", s.name, err)
			continue
		}
		if n := tag.RowsAffected(); n > 0 {
			log.Printf("janitor: removed %d expired %s", n, s.name)
		}
	}
}
