package transcriber

import (
	"context"
	"errors"
	"os"

	"github.com/RomanSlack/VoiceDeck/internal/failure"
)

// ErrNoCredential is returned when no source holds an API key
var ErrNoCredential = errors.New("API key not set: export OPENAI_API_KEY or add transcription.api_key to the config")

// Credentials supply the provider API key at call time. The key is never
// cached by the transcribers.
type Credentials interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a fixed API key
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if k == "" {
		return "", ErrNoCredential
	}
	return string(k), nil
}

// EnvKey reads the key from the named environment variable on every call
type EnvKey string

func (e EnvKey) APIKey(context.Context) (string, error) {
	if v := os.Getenv(string(e)); v != "" {
		return v, nil
	}
	return "", ErrNoCredential
}

// Chain returns the first key any of its sources yields
type Chain []Credentials

func (c Chain) APIKey(ctx context.Context) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		key, err := src.APIKey(ctx)
		if err == nil && key != "" {
			return key, nil
		}
		if err != nil && !errors.Is(err, ErrNoCredential) {
			return "", err
		}
	}
	return "", ErrNoCredential
}

// CheckCredentials reports an AuthenticationFailed error when no key is
// available, so a session can refuse to start before capturing audio.
func CheckCredentials(ctx context.Context, creds Credentials) error {
	if creds == nil {
		return failure.New(failure.KindAuthenticationFailed, "check credentials", ErrNoCredential)
	}
	if _, err := creds.APIKey(ctx); err != nil {
		return failure.New(failure.KindAuthenticationFailed, "check credentials", err)
	}
	return nil
}

type credentialsOptional interface {
	CredentialsOptional() bool
}

// RequiresCredentials reports whether t needs an API key to make requests
func RequiresCredentials(t Transcriber) bool {
	if o, ok := t.(credentialsOptional); ok {
		return !o.CredentialsOptional()
	}
	return true
}
