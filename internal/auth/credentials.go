package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var (
	errNoServiceAccounts  = errors.New("at least one service account must be configured")
	errUnknownCredentials = errors.New("unknown service id or secret")
)

// ServiceAccount is one collaborating service allowed to exchange its shared
// secret for a bearer token.
type ServiceAccount struct {
	ServiceID string
	Secret    string
	Role      string
}

// ParseServiceAccounts reads the configured account list. Entries are comma
// separated triples of the form id:secret:ROLE.
func ParseServiceAccounts(raw string) ([]ServiceAccount, error) {
	entries := strings.Split(raw, ",")
	accounts := make([]ServiceAccount, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.SplitN(trimmed, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed service account entry %q", trimmed)
		}
		account := ServiceAccount{
			ServiceID: strings.TrimSpace(parts[0]),
			Secret:    parts[1],
			Role:      strings.TrimSpace(parts[2]),
		}
		if account.ServiceID == "" || account.Secret == "" || account.Role == "" {
			return nil, fmt.Errorf("incomplete service account entry %q", trimmed)
		}
		accounts = append(accounts, account)
	}
	if len(accounts) == 0 {
		return nil, errNoServiceAccounts
	}
	return accounts, nil
}

// CredentialRegistry authenticates collaborating services by shared secret.
type CredentialRegistry struct {
	accounts map[string]ServiceAccount
}

// NewCredentialRegistry builds a registry from the configured accounts.
func NewCredentialRegistry(accounts []ServiceAccount) (*CredentialRegistry, error) {
	if len(accounts) == 0 {
		return nil, errNoServiceAccounts
	}
	indexed := make(map[string]ServiceAccount, len(accounts))
	for _, account := range accounts {
		if account.ServiceID == "" || account.Secret == "" || account.Role == "" {
			return nil, fmt.Errorf("incomplete service account %q", account.ServiceID)
		}
		if _, exists := indexed[account.ServiceID]; exists {
			return nil, fmt.Errorf("duplicate service account %q", account.ServiceID)
		}
		indexed[account.ServiceID] = account
	}
	return &CredentialRegistry{accounts: indexed}, nil
}

// Authenticate resolves the service's claims when the secret matches. Lookup
// failures and secret mismatches return the same error.
func (r *CredentialRegistry) Authenticate(_ context.Context, serviceID, secret string) (ServiceClaims, error) {
	account, found := r.accounts[serviceID]
	if !found {
		subtle.ConstantTimeCompare([]byte(secret), []byte(serviceID))
		return ServiceClaims{}, errUnknownCredentials
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(account.Secret)) != 1 {
		return ServiceClaims{}, errUnknownCredentials
	}
	return ServiceClaims{Subject: account.ServiceID, Role: account.Role}, nil
}
