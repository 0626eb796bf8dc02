package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sells-group/commsync/internal/resilience"
)

// SQLSTATE codes the store reacts to.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeInsufficientPriv     = "42501"
	codeLockNotAvailable     = "55P03"
	codeAdminShutdown        = "57P01"
)

// Classify attaches a resilience.Kind to Postgres driver errors. Connection,
// authorization, permission, lock and resource failures are storage faults;
// serialization failures and deadlocks are transient. Anything else is
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if resilience.KindOf(err) != resilience.KindUnknown {
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return resilience.WithKind(resilience.KindStorage, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch code := pgErr.Code; {
	case code == codeSerializationFailure, code == codeDeadlockDetected:
		return resilience.WithKind(resilience.KindTransient, err)
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "28"), // invalid authorization
		strings.HasPrefix(code, "53"), // insufficient resources
		code == codeInsufficientPriv,
		code == codeLockNotAvailable,
		code == codeAdminShutdown:
		return resilience.WithKind(resilience.KindStorage, err)
	default:
		return err
	}
}
