package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCategory groups infrastructure failures by how a caller should
// react to them.
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = ""
	CategoryConnection ErrorCategory = "connection"
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryPermission ErrorCategory = "permission"
	CategoryOther      ErrorCategory = "other"
)

// ClassifyError maps driver and network errors onto an ErrorCategory.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	if pgconn.Timeout(err) {
		return CategoryTimeout
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return CategoryConnection
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return CategoryConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return CategoryConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryConnection
	}
	return CategoryOther
}

func classifySQLState(code string) ErrorCategory {
	switch {
	case strings.HasPrefix(code, "08"):
		return CategoryConnection
	case code == "57P01", code == "57P02", code == "57P03", code == "53300":
		return CategoryConnection
	case code == "57014":
		return CategoryTimeout
	case code == "42501", strings.HasPrefix(code, "28"):
		return CategoryPermission
	default:
		return CategoryOther
	}
}
