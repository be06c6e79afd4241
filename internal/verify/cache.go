package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// cachedSession mirrors the JSON object the server keeps per login.
type cachedSession struct {
	TokenHash string `json:"token_hash"`
}

// CheckCachedSession reads the session entry the server is expected to
// have written for userID and asserts its token_hash equals the token just
// issued by the login call. A missing key means a cold cache and is
// reported as skipped; so is any cache connectivity problem — the cache is
// an assertion side-channel and must never take a workflow down.
func (v *Verifier) CheckCachedSession(ctx context.Context, userID, token string) Report {
	const check = "cache-session"

	if v.cache == nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: "cache not configured"})
	}

	key := fmt.Sprintf("session:userid:%s", userID)
	raw, err := v.cache.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: "no cached session found"})
	}
	if err != nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: fmt.Sprintf("cache read failed: %v", err)})
	}

	var sess cachedSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return v.report(Report{Check: check, Status: StatusMismatch, Detail: fmt.Sprintf("malformed cache entry at %s: %v", key, err)})
	}

	if sess.TokenHash != token {
		return v.report(Report{
			Check:  check,
			Status: StatusMismatch,
			Detail: fmt.Sprintf("token_hash at %s does not match the issued token", key),
		})
	}

	return v.report(Report{Check: check, Status: StatusOK, Detail: "cached token matches issued token"})
}
