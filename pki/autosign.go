package pki

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jmcleod/trustline/credential"
)

func validateAutosign(setting string) error {
	switch setting {
	case "", "true", "false":
		return nil
	}
	if !filepath.IsAbs(setting) {
		return fmt.Errorf("%w: the autosign configuration '%s' must be a fully qualified file", ErrInvalidAutosign, setting)
	}
	return nil
}

// Autosign signs csr if the autosign setting allows its name. A missing
// allow-list file allows nothing.
func (ca *CA) Autosign(ctx context.Context, csr *credential.Request) (bool, error) {
	name, err := credential.ValidateName(csr.Name())
	if err != nil {
		return false, err
	}
	ok, err := autosignAllowed(ca.autosign, name)
	if err != nil || !ok {
		return false, err
	}
	ca.logger.InfoContext(ctx, fmt.Sprintf("Autosigning %s", name))
	if _, err := ca.Sign(ctx, name, SignOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

// autosignAllowed evaluates setting for name. The allow-list is re-read on
// every call so edits apply without a restart.
func autosignAllowed(setting, name string) (bool, error) {
	switch setting {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	}

	f, err := os.Open(setting)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading autosign file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if autosignMatch(strings.ToLower(line), name) {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("reading autosign file: %w", err)
	}
	return false, nil
}

// autosignMatch matches name against an allow-list entry. A leading "*."
// matches any number of labels; other entries are shell globs.
func autosignMatch(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	if rest, ok := strings.CutPrefix(pattern, "*."); ok && !strings.ContainsAny(rest, "*?[") {
		return strings.HasSuffix(name, "."+rest)
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
