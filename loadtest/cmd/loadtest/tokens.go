package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// credential pairs a user ID with an auth token issued for it (see the
// tokengen tool in the main module).
type credential struct {
	UserID string
	Token  string
}

// loadCredentials reads a credentials file with one "user_id token" pair per
// line. Blank lines and lines starting with '#' are skipped.
func loadCredentials(path string) ([]credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	var creds []credential
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("credentials file line %d: expected \"user_id token\", got %q", lineNo, line)
		}
		creds = append(creds, credential{UserID: fields[0], Token: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("credentials file %s contains no entries", path)
	}
	return creds, nil
}

// authURL appends the auth token to the WebSocket URL as a query parameter.
func authURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
