package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"

	"slotd/internal/models"
)

// FileTokenStore implements CredentialSource over per-account token files
// (token-<account>.json) in a directory. Each provider gets its own
// directory and oauth config.
type FileTokenStore struct {
	dir    string
	config *oauth2.Config
}

func NewFileTokenStore(dir string, config *oauth2.Config) *FileTokenStore {
	return &FileTokenStore{dir: dir, config: config}
}

func (s *FileTokenStore) TokenSource(ctx context.Context, cal models.ConnectedCalendar) (oauth2.TokenSource, error) {
	token, err := s.Load(cal.AccountAddress)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Run the 'auth' command first", cal.AccountAddress, err)
	}
	return s.config.TokenSource(ctx, token), nil
}

func (s *FileTokenStore) tokenPath(account string) string {
	return filepath.Join(s.dir, fmt.Sprintf("token-%s.json", account))
}

// Save writes an account's token to its file.
func (s *FileTokenStore) Save(account string, token *oauth2.Token) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("unable to create token dir: %w", err)
	}
	f, err := os.Create(s.tokenPath(account))
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Load retrieves an account's token from its file.
func (s *FileTokenStore) Load(account string) (*oauth2.Token, error) {
	f, err := os.Open(s.tokenPath(account))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// Accounts lists the account names with a saved token.
func (s *FileTokenStore) Accounts() ([]string, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		name := file.Name()
		if strings.HasPrefix(name, "token-") && strings.HasSuffix(name, ".json") {
			accounts = append(accounts, strings.TrimSuffix(strings.TrimPrefix(name, "token-"), ".json"))
		}
	}
	return accounts, nil
}

var _ CredentialSource = (*FileTokenStore)(nil)
