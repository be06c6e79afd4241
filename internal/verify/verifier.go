package verify

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Status classifies the result of one cross-store check.
type Status string

const (
	// StatusOK means the store agreed with what the API reported.
	StatusOK Status = "ok"
	// StatusMismatch means the store held a value contradicting the API.
	StatusMismatch Status = "mismatch"
	// StatusSkipped means the check could not run (missing entry, no
	// connection, execution error). Skips never abort a workflow.
	StatusSkipped Status = "skipped"
)

// Report is the outcome of a single check. Mismatches are recorded by the
// caller and never escalate into session failures.
type Report struct {
	Check  string
	Status Status
	Detail string
}

// SessionReader is the slice of the redis client the cache check needs.
type SessionReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Verifier reads the auxiliary cache and persisted store as side-channels
// and asserts they agree with state observed through the API. Either
// handle may be nil, in which case the corresponding check is skipped.
type Verifier struct {
	cache SessionReader
	db    *sqlx.DB
	log   zerolog.Logger
}

// New creates a verifier over the given side-channel handles.
func New(cache SessionReader, db *sqlx.DB, log zerolog.Logger) *Verifier {
	return &Verifier{cache: cache, db: db, log: log}
}

func (v *Verifier) report(r Report) Report {
	evt := v.log.Info()
	if r.Status == StatusMismatch {
		evt = v.log.Warn()
	}
	evt.Str("check", r.Check).
		Str("status", string(r.Status)).
		Str("detail", r.Detail).
		Msg("cross-store verification")
	return r
}
