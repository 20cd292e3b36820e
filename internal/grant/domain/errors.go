package domain

import (
	"errors"
	"fmt"

	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
)

var (
	ErrInvalidOperationID     = errors.New("invalid_operation_id")
	ErrInvalidAccount         = errors.New("invalid_account")
	ErrInvalidAccountType     = errors.New("invalid_account_type")
	ErrInvalidGrantType       = errors.New("invalid_grant_type")
	ErrInvalidPrincipal       = errors.New("invalid_principal")
	ErrInvalidExpiry          = errors.New("invalid_expires_at")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
	ErrGrantNotFound          = errors.New("grant_not_found")
	ErrStorageUnavailable     = errors.New("storage_unavailable")
	ErrConcurrentModification = errors.New("concurrent_modification")
)

// StorageError marks err as ErrStorageUnavailable when the store could not be
// reached. Other errors pass through unchanged.
func StorageError(err error) error {
	if err == nil || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if pkgdb.IsUnavailable(err) {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}
