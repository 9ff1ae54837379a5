package accounts

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is wrapped by ConfigError when an id is unknown.
	ErrAccountNotFound = errors.New("account not found")

	// ErrQuotaExhausted is soft: it lowers selection order and shows up in
	// health reports but never blocks a request.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrNoCredentials means the account has no stored password.
	ErrNoCredentials = errors.New("no stored credentials")
)

// ConfigError reports a bad or missing account configuration.
type ConfigError struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.AccountID == "" {
		return "config error: " + msg
	}
	return fmt.Sprintf("account %s: %s", e.AccountID, msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func notFound(id string) error {
	return &ConfigError{AccountID: id, Err: ErrAccountNotFound}
}

// CredentialError reports a decryption or parse failure. It is fatal for the
// affected account only.
type CredentialError struct {
	AccountID string
	Err       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials for account %s unusable: %v", e.AccountID, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }
