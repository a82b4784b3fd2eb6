package sqlstore

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"pkt.systems/tandem/internal/storage"
)

// classify maps driver errors onto storage sentinels and marks retryable
// failures as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return storage.NewTransientError(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exception
			"40", // transaction rollback (serialization, deadlock)
			"53", // insufficient resources
			"57": // operator intervention (admin shutdown)
			return storage.NewTransientError(err)
		}
		if pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", storage.ErrExists, pqErr.Message)
		}
		return err
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch {
		case liteErr.Code == sqlite3.ErrBusy, liteErr.Code == sqlite3.ErrLocked:
			return storage.NewTransientError(err)
		case liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey,
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %s", storage.ErrExists, liteErr.Error())
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return storage.NewTransientError(err)
	}
	return err
}
