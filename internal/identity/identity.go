// Package identity supplies the credentials used for remote calls.
//
// The sync engine only asks one question: who is signed in right now? An
// absent identity is not an error here; the remote client turns it into a
// remote fault at the first call.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// SheetsScope grants read/write access to spreadsheets.
const SheetsScope = "https://www.googleapis.com/auth/spreadsheets"

// Identity is a signed-in account.
type Identity struct {
	// Account is a display label, usually an email address.
	Account string
	// TokenSource yields access tokens for remote calls.
	TokenSource oauth2.TokenSource
	// Expiry of the current access token (zero if unknown).
	Expiry time.Time
}

// Provider resolves the current identity.
type Provider interface {
	// Current returns the signed-in identity, or nil when nobody is signed in.
	Current(ctx context.Context) (*Identity, error)
	// SignOut forgets the current identity.
	SignOut() error
}

// tokenDocument is the on-disk format of the token file.
type tokenDocument struct {
	Account string        `json:"account,omitempty"`
	Token   *oauth2.Token `json:"token"`
}

// TokenFile is a Provider backed by an OAuth2 token stored as JSON.
// Refreshed tokens are written back to the file.
type TokenFile struct {
	path   string
	config *oauth2.Config

	mu sync.Mutex
}

// NewTokenFile creates a provider reading from path. clientID and
// clientSecret enable token refresh; without them the stored access token is
// used until it expires.
func NewTokenFile(path, clientID, clientSecret string) *TokenFile {
	var cfg *oauth2.Config
	if clientID != "" {
		cfg = &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{SheetsScope},
		}
	}
	return &TokenFile{path: path, config: cfg}
}

// Path returns the token file location.
func (p *TokenFile) Path() string {
	return p.path
}

// Current implements Provider.
func (p *TokenFile) Current(ctx context.Context) (*Identity, error) {
	doc, err := p.load()
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Token == nil {
		return nil, nil
	}

	var base oauth2.TokenSource
	if p.config != nil && doc.Token.RefreshToken != "" {
		base = p.config.TokenSource(ctx, doc.Token)
	} else {
		base = oauth2.StaticTokenSource(doc.Token)
	}

	ts := &persistingSource{
		base:    oauth2.ReuseTokenSource(doc.Token, base),
		last:    doc.Token.AccessToken,
		save:    func(tok *oauth2.Token) error { return p.Import(doc.Account, tok) },
		account: doc.Account,
	}

	return &Identity{
		Account:     doc.Account,
		TokenSource: ts,
		Expiry:      doc.Token.Expiry,
	}, nil
}

// Import stores a token as the current identity.
func (p *TokenFile) Import(account string, tok *oauth2.Token) error {
	if tok == nil || (tok.AccessToken == "" && tok.RefreshToken == "") {
		return errors.New("token has neither an access token nor a refresh token")
	}

	raw, err := json.MarshalIndent(tokenDocument{Account: account, Token: tok}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// ImportJSON stores a token given as JSON. Both a bare oauth2 token and the
// {"account":..., "token":...} document are accepted.
func (p *TokenFile) ImportJSON(raw []byte, account string) error {
	var doc tokenDocument
	if err := json.Unmarshal(raw, &doc); err == nil && doc.Token != nil {
		if account == "" {
			account = doc.Account
		}
		return p.Import(account, doc.Token)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	return p.Import(account, &tok)
}

// SignOut implements Provider.
func (p *TokenFile) SignOut() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

func (p *TokenFile) load() (*tokenDocument, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var doc tokenDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse token file %s: %w", p.path, err)
	}
	return &doc, nil
}

// persistingSource writes refreshed tokens back through save.
type persistingSource struct {
	base    oauth2.TokenSource
	save    func(*oauth2.Token) error
	account string

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		// A failed write only costs a refresh on the next start.
		_ = s.save(tok)
	}
	return tok, nil
}

// Static is a fixed Provider, used by tests and by callers that already hold
// a token source.
type Static struct {
	mu sync.Mutex
	id *Identity
}

// NewStatic returns a provider that always reports id (nil = signed out).
func NewStatic(id *Identity) *Static {
	return &Static{id: id}
}

// Current implements Provider.
func (s *Static) Current(context.Context) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, nil
}

// SignOut implements Provider.
func (s *Static) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = nil
	return nil
}
