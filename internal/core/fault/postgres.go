package fault

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// FromPostgres classifies an error from a database/sql call backed by the
// pgx driver. SQLSTATE classes decide whether the failure is a data problem
// or a server problem.
func FromPostgres(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return New(NotFound, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return New(Canceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(Timeout, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return New(kindFromSQLState(pgErr.Code), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, op, err)
		}
		return New(Unavailable, op, err)
	}
	return New(Unknown, op, err)
}

func kindFromSQLState(code string) Kind {
	switch {
	case code == "23505":
		// unique_violation
		return Conflict
	case code == "40001", code == "40P01":
		// serialization_failure, deadlock_detected
		return Transient
	case code == "57014":
		// query_canceled (statement timeout)
		return Timeout
	case strings.HasPrefix(code, "08"):
		// connection exceptions
		return Unavailable
	case strings.HasPrefix(code, "53"):
		// insufficient_resources (too many connections, out of memory)
		return Unavailable
	case strings.HasPrefix(code, "57"):
		// operator_intervention (shutdown in progress)
		return Unavailable
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"), strings.HasPrefix(code, "42"):
		// data, constraint, and syntax errors do not heal on retry
		return Invalid
	case strings.HasPrefix(code, "28"):
		return Unauthorized
	default:
		return Internal
	}
}
