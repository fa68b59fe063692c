package notifyroute

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrEmptyToken = errors.New("push token is empty")

// TokenVault keeps the latest push registration token. The remote client
// reads it back when resolving the activation url.
type TokenVault struct {
	store Store
}

func NewTokenVault(store Store) *TokenVault {
	return &TokenVault{store: store}
}

func (v *TokenVault) Save(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyToken
	}
	if err := v.store.SavePushToken(ctx, token); err != nil {
		return fmt.Errorf("persist push token: %w", err)
	}
	return nil
}

// PushToken returns "" when no token was registered.
func (v *TokenVault) PushToken(ctx context.Context) (string, error) {
	token, err := v.store.PushToken(ctx)
	if err != nil {
		return "", fmt.Errorf("read push token: %w", err)
	}
	return token, nil
}
