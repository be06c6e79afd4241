package verify

import (
	"context"
	"fmt"
	"regexp"
)

// Identifiers are interpolated into the query text, so they are restricted
// to plain SQL names. Values always go through a bind parameter.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckStoredField runs an equality lookup
// (SELECT field FROM table WHERE field = value) against the persisted
// store and asserts every returned row holds the expected value. The
// connection is acquired for this call only and released on every path.
// Execution errors are reported as skipped; the store is read-only here.
func (v *Verifier) CheckStoredField(ctx context.Context, table, field, value string) Report {
	check := fmt.Sprintf("store-%s-%s", table, field)

	if v.db == nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: "persisted store not configured"})
	}
	if !identPattern.MatchString(table) || !identPattern.MatchString(field) {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: "invalid table or field identifier"})
	}

	conn, err := v.db.Connx(ctx)
	if err != nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: fmt.Sprintf("acquire connection: %v", err)})
	}
	defer conn.Close()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", field, table, field)
	rows, err := conn.QueryxContext(ctx, query, value)
	if err != nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: fmt.Sprintf("query failed: %v", err)})
	}
	defer rows.Close()

	matched := 0
	for rows.Next() {
		var got string
		if err := rows.Scan(&got); err != nil {
			return v.report(Report{Check: check, Status: StatusSkipped, Detail: fmt.Sprintf("scan failed: %v", err)})
		}
		if got != value {
			return v.report(Report{
				Check:  check,
				Status: StatusMismatch,
				Detail: fmt.Sprintf("row holds %q, expected %q", got, value),
			})
		}
		matched++
	}
	if err := rows.Err(); err != nil {
		return v.report(Report{Check: check, Status: StatusSkipped, Detail: fmt.Sprintf("row iteration failed: %v", err)})
	}

	return v.report(Report{Check: check, Status: StatusOK, Detail: fmt.Sprintf("%d row(s) match", matched)})
}
