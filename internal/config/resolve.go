package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/loomhq/loom/internal/log"
)

// BackendKind identifies the storage engine category selected for thread
// persistence. The set is closed: each kind maps to exactly one adapter.
type BackendKind string

const (
	// KindSQLite is a single local database file.
	KindSQLite BackendKind = "sqlite"

	// KindManagedSQL is a managed cloud SQL service (Azure SQL / Synapse).
	KindManagedSQL BackendKind = "mssql"

	// KindPostgres is a PostgreSQL server.
	KindPostgres BackendKind = "postgres"

	// KindDocument is a document store (MongoDB or Cosmos DB).
	KindDocument BackendKind = "document"

	// KindDisabled keeps threads in process memory only.
	KindDisabled BackendKind = "disabled"
)

// Resolved is the normalized thread-persistence configuration handed to the
// storage layer. It is derived once at startup by Config.Resolve.
type Resolved struct {
	Kind            BackendKind
	Target          string // connection target (path, DSN, URL, or endpoint)
	TableName       string
	IDPrefix        string
	Encrypt         bool
	Persist         bool
	RequireAuth     bool
	UserIsolation   bool
	MaxThreads      int
	AutoCleanupDays int
}

// Resolve normalizes the configuration into a Resolved backend selection.
//
// Detection precedence is fixed: a disabled persistence flag wins outright,
// then the descriptor is inspected in order (sqlite file suffix, managed SQL
// hostname, postgres URL scheme, document endpoint). An unrecognized
// descriptor is not an error; persistence degrades to disabled with a
// warning so a conversation can still run.
func (c *Config) Resolve(logger log.Logger) Resolved {
	r := Resolved{
		TableName:       c.TableName,
		IDPrefix:        c.IDPrefix,
		Encrypt:         c.EnableEncryption,
		RequireAuth:     c.RequireAuth,
		UserIsolation:   c.UserIsolation,
		MaxThreads:      c.MaxThreads,
		AutoCleanupDays: c.AutoCleanupDays,
	}

	if !c.ManageConnection {
		r.Kind = KindDisabled
		r.Target = "memory://"
		return r
	}

	kind := DetectKind(c.ConnectionString)
	if kind == KindDisabled {
		logger.Warn("unrecognized database connection string, thread persistence disabled",
			"hint", "expected a .db/.sqlite path, postgres:// URL, Azure SQL DSN, or document endpoint")
		r.Kind = KindDisabled
		r.Target = "memory://"
		return r
	}

	r.Kind = kind
	r.Persist = true
	r.Target = c.ConnectionString
	return r
}

// DetectKind inspects a connection descriptor and returns the backend kind.
// Returns KindDisabled for empty or unrecognized descriptors.
func DetectKind(descriptor string) BackendKind {
	if descriptor == "" {
		return KindDisabled
	}
	lower := strings.ToLower(descriptor)

	// Embedded file database: recognized by file extension.
	for _, suffix := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(lower, suffix) {
			return KindSQLite
		}
	}
	if strings.HasPrefix(lower, "sqlite://") || strings.HasPrefix(lower, "file:") {
		return KindSQLite
	}

	// Managed cloud SQL: recognized by the service hostname suffix.
	if strings.Contains(lower, "database.windows.net") ||
		strings.Contains(lower, "sql.azuresynapse.net") {
		return KindManagedSQL
	}

	// Open-source relational: recognized by URL scheme.
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return KindPostgres
	}

	// Document store: Cosmos DB endpoint or MongoDB URI.
	if strings.Contains(lower, "documents.azure.com") ||
		strings.HasPrefix(lower, "mongodb://") ||
		strings.HasPrefix(lower, "mongodb+srv://") {
		return KindDocument
	}

	return KindDisabled
}

// Redacted returns the resolved configuration with connection credentials
// stripped, safe for the /config endpoint and logs.
func (r Resolved) Redacted() Resolved {
	out := r
	out.Target = redactTarget(r.Target)
	return out
}

// redactTarget removes credentials from a connection target while keeping
// enough shape to identify the backend (scheme, host, database).
func redactTarget(target string) string {
	if target == "" || target == "memory://" {
		return target
	}

	// URL forms: strip userinfo.
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		if u.User != nil {
			u.User = url.User(u.User.Username())
		}
		u.RawQuery = ""
		return u.String()
	}

	// Key=value DSN forms (Azure SQL, Cosmos): drop secret-bearing pairs.
	if strings.Contains(target, "=") && strings.Contains(target, ";") {
		parts := strings.Split(target, ";")
		kept := parts[:0]
		for _, p := range parts {
			key := strings.ToLower(strings.TrimSpace(strings.SplitN(p, "=", 2)[0]))
			switch key {
			case "password", "pwd", "accountkey":
				kept = append(kept, fmt.Sprintf("%s=%s", strings.TrimSpace(strings.SplitN(p, "=", 2)[0]), maskedValue))
			default:
				kept = append(kept, p)
			}
		}
		return strings.Join(kept, ";")
	}

	// Local file paths carry no secrets.
	return target
}
