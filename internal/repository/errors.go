// Package repository is the MySQL persistence layer.  Repositories map
// driver errors onto the sentinel errors of the points package so that
// higher layers such as handlers never inspect MySQL error numbers.
package repository

import (
	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// MySQL server error numbers the repositories react to.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// ErrConflict is returned when a write collides with an existing row,
// such as a duplicate milestone marker.  Handlers translate it into an
// HTTP 409 response.
var ErrConflict = errors.New("conflict")

func mysqlErrorNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

// isDuplicate reports a unique-key violation.
func isDuplicate(err error) bool { return mysqlErrorNumber(err) == errDupEntry }

// isRetryable reports errors after which the whole transaction can be
// replayed: InnoDB deadlocks and lock wait timeouts.
func isRetryable(err error) bool {
	switch mysqlErrorNumber(err) {
	case errDeadlock, errLockWaitTimeout:
		return true
	}
	return false
}
