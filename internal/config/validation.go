package config

import "fmt"

// Validate checks configuration values and fails fast with sentinel errors.
// Called by Load before the configuration is handed to anything else.
func (c *Config) Validate() error {
	if !isSafeIdentifier(c.TableName) {
		return fmt.Errorf("%w: %q (must match [A-Za-z_][A-Za-z0-9_]*)", ErrInvalidTableName, c.TableName)
	}
	if !isSafePrefix(c.IDPrefix) {
		return fmt.Errorf("%w: %q", ErrInvalidIDPrefix, c.IDPrefix)
	}
	if c.MaxThreads < 1 || c.MaxThreads > 1_000_000 {
		return fmt.Errorf("%w: %d (must be 1..1000000)", ErrInvalidMaxThreads, c.MaxThreads)
	}
	if c.AutoCleanupDays < 1 || c.AutoCleanupDays > 3650 {
		return fmt.Errorf("%w: %d (must be 1..3650)", ErrInvalidCleanupDays, c.AutoCleanupDays)
	}
	if c.EnableEncryption && c.EncryptionKey == "" {
		return ErrMissingEncryptionKey
	}
	return nil
}

// isSafeIdentifier reports whether s is usable as a SQL table or document
// collection name. The name is interpolated into DDL, so this is a
// security boundary, not a style check.
func isSafeIdentifier(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// isSafePrefix reports whether s is usable as a thread id prefix.
// Dashes are allowed ("lab-assistant"); dots and slashes are not.
func isSafePrefix(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
