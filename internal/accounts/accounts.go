// Package accounts loads the credential file.
//
// Two formats are accepted. A .toml file holds [[accounts]] tables with
// username, password and an optional api_key. Any other file is read as
// legacy lines of "username,password[,api_key]" where blank lines and lines
// starting with # are ignored.
package accounts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".accounts-*.toml.tmp"
)

// ErrNotFound is returned when the credential file does not exist.
var ErrNotFound = errors.New("accounts file not found")

type fileSchema struct {
	Accounts []accountSchema `toml:"accounts"`
}

type accountSchema struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	APIKey   string `toml:"api_key,omitempty"`
}

// Load reads accounts from path. Duplicate usernames keep the first entry.
func Load(path string) ([]balance.Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	logger := log.With().Str("component", "accounts").Str("path", path).Logger()

	var accts []balance.Account
	if IsTOML(path) {
		accts, err = ParseTOML(data)
	} else {
		accts, err = ParseLegacy(data, logger)
	}
	if err != nil {
		return nil, err
	}

	accts = dedupe(accts, logger)
	logger.Info().Int("accounts", len(accts)).Msg("Loaded accounts")
	return accts, nil
}

// IsTOML reports whether path is read as TOML.
func IsTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// ParseTOML decodes the [[accounts]] format.
func ParseTOML(data []byte) ([]balance.Account, error) {
	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode accounts file: %w", err)
	}

	accts := make([]balance.Account, 0, len(file.Accounts))
	for i, a := range file.Accounts {
		acct := balance.Account{
			Username: strings.TrimSpace(a.Username),
			Password: a.Password,
			APIKey:   strings.TrimSpace(a.APIKey),
		}
		if acct.Username == "" || acct.Password == "" {
			return nil, fmt.Errorf("accounts[%d]: username and password are required", i)
		}
		accts = append(accts, acct)
	}
	return accts, nil
}

// ParseLegacy decodes "username,password[,api_key]" lines. Malformed lines
// are logged and skipped.
func ParseLegacy(data []byte, logger zerolog.Logger) ([]balance.Account, error) {
	var accts []balance.Account

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(sc.Text())
		if lineNum == 1 {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			logger.Warn().Int("line", lineNum).Msg("Skipping malformed account line")
			continue
		}

		acct := balance.Account{
			Username: strings.TrimSpace(parts[0]),
			Password: strings.TrimSpace(parts[1]),
		}
		if len(parts) >= 3 {
			acct.APIKey = strings.TrimSpace(parts[2])
		}
		accts = append(accts, acct)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan accounts file: %w", err)
	}
	return accts, nil
}

// Save writes accts to path in the TOML format, replacing the file
// atomically.
func Save(path string, accts []balance.Account) error {
	file := fileSchema{Accounts: make([]accountSchema, 0, len(accts))}
	for _, a := range accts {
		file.Accounts = append(file.Accounts, accountSchema{
			Username: a.ID(),
			Password: a.Password,
			APIKey:   strings.TrimSpace(a.APIKey),
		})
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode accounts file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("create accounts directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp accounts file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp accounts file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp accounts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp accounts file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace accounts file: %w", err)
	}
	return nil
}

func dedupe(accts []balance.Account, logger zerolog.Logger) []balance.Account {
	seen := make(map[string]struct{}, len(accts))
	out := accts[:0]
	for _, a := range accts {
		if _, ok := seen[a.ID()]; ok {
			logger.Warn().Str("account", a.ID()).Msg("Duplicate account ignored")
			continue
		}
		seen[a.ID()] = struct{}{}
		out = append(out, a)
	}
	return out
}
