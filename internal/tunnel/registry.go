package tunnel

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SubdomainStrategy selects how auto-allocated subdomains are generated
// (spec §5.3).
type SubdomainStrategy string

const (
	StrategyRandom SubdomainStrategy = "random"
	StrategyUUID   SubdomainStrategy = "uuid"
	StrategyCustom SubdomainStrategy = "custom"
)

const maxAllocationAttempts = 50

var subdomainPattern = regexp.MustCompile(`^[a-z0-9-]{3,30}$`)

// IsValidSubdomain enforces the original's format rule: 3-30 chars,
// lowercase alphanumeric and hyphens, no leading or trailing hyphen.
func IsValidSubdomain(s string) bool {
	if !subdomainPattern.MatchString(s) {
		return false
	}
	return !strings.HasPrefix(s, "-") && !strings.HasSuffix(s, "-")
}

// SubdomainRecord is one allocation entry.
type SubdomainRecord struct {
	Subdomain   string    `json:"subdomain"`
	TunnelID    string    `json:"tunnel_id"`
	AllocatedAt time.Time `json:"allocated_at"`
	IsCustom    bool      `json:"is_custom"`
	ClientIP    string    `json:"client_ip,omitempty"`
}

type storage struct {
	ActiveSubdomains   map[string]SubdomainRecord `json:"active_subdomains"`
	ReservedSubdomains map[string]struct{}        `json:"reserved_subdomains"`
	AllocationHistory  []SubdomainRecord          `json:"allocation_history"`
}

// Registry allocates and persists subdomain assignments for active
// tunnels, grounded on the original's SubdomainManager.
type Registry struct {
	mu       sync.Mutex
	path     string
	strategy SubdomainStrategy
	wordList []string
	data     storage
}

// NewRegistry builds a Registry backed by path, pre-populated with the
// reserved-word list the original ships.
func NewRegistry(path string, strategy SubdomainStrategy) *Registry {
	return &Registry{
		path:     path,
		strategy: strategy,
		wordList: wordList,
		data: storage{
			ActiveSubdomains:   make(map[string]SubdomainRecord),
			ReservedSubdomains: reservedSet(),
		},
	}
}

// Load reads persisted allocations from disk if the registry file exists,
// otherwise initializes a fresh (reserved-words-only) store and writes it.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.path); err != nil {
		if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
		return r.saveLocked()
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read subdomain registry: %w", err)
	}
	var loaded storage
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("failed to parse subdomain registry: %w", err)
	}
	if loaded.ActiveSubdomains == nil {
		loaded.ActiveSubdomains = make(map[string]SubdomainRecord)
	}
	if loaded.ReservedSubdomains == nil {
		loaded.ReservedSubdomains = reservedSet()
	}
	r.data = loaded
	return nil
}

func (r *Registry) saveLocked() error {
	raw, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize subdomain registry: %w", err)
	}
	return os.WriteFile(r.path, raw, 0o644)
}

// ConflictError indicates a requested subdomain is already taken or
// reserved.
type ConflictError struct{ Subdomain string }

func (e *ConflictError) Error() string { return fmt.Sprintf("subdomain %q is not available", e.Subdomain) }

// ValidationError indicates a requested subdomain has an invalid format.
type ValidationError struct{ Reason string }

func (e *ValidationError) Error() string { return e.Reason }

// Allocate assigns a subdomain to tunnelID: requested, if non-nil, is
// validated and reserved exactly (custom allocation); otherwise one is
// generated per the configured strategy, retrying on collision up to
// maxAllocationAttempts times (spec §5.3).
func (r *Registry) Allocate(tunnelID string, requested *string, clientIP string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requested != nil {
		return r.allocateCustomLocked(tunnelID, *requested, clientIP)
	}
	return r.allocateRandomLocked(tunnelID, clientIP)
}

func (r *Registry) allocateCustomLocked(tunnelID, subdomain, clientIP string) (string, error) {
	if !IsValidSubdomain(subdomain) {
		return "", &ValidationError{Reason: "invalid subdomain format: use only lowercase letters, numbers and hyphens"}
	}
	if _, taken := r.data.ActiveSubdomains[subdomain]; taken {
		return "", &ConflictError{Subdomain: subdomain}
	}
	if _, reserved := r.data.ReservedSubdomains[subdomain]; reserved {
		return "", &ConflictError{Subdomain: subdomain}
	}

	record := SubdomainRecord{Subdomain: subdomain, TunnelID: tunnelID, AllocatedAt: time.Now().UTC(), IsCustom: true, ClientIP: clientIP}
	r.data.ActiveSubdomains[subdomain] = record
	r.data.AllocationHistory = append(r.data.AllocationHistory, record)
	if err := r.saveLocked(); err != nil {
		return "", err
	}
	return subdomain, nil
}

func (r *Registry) allocateRandomLocked(tunnelID, clientIP string) (string, error) {
	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		candidate, err := r.generateLocked()
		if err != nil {
			return "", err
		}
		if _, taken := r.data.ActiveSubdomains[candidate]; taken {
			continue
		}
		if _, reserved := r.data.ReservedSubdomains[candidate]; reserved {
			continue
		}

		record := SubdomainRecord{Subdomain: candidate, TunnelID: tunnelID, AllocatedAt: time.Now().UTC(), IsCustom: false, ClientIP: clientIP}
		r.data.ActiveSubdomains[candidate] = record
		r.data.AllocationHistory = append(r.data.AllocationHistory, record)
		if err := r.saveLocked(); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("failed to generate unique subdomain after %d attempts", maxAllocationAttempts)
}

func (r *Registry) generateLocked() (string, error) {
	switch r.strategy {
	case StrategyUUID:
		return strings.ReplaceAll(uuid.New().String(), "-", "")[:8], nil
	default:
		return r.pronounceableLocked()
	}
}

func (r *Registry) pronounceableLocked() (string, error) {
	idx, err := cryptoIntN(len(r.wordList))
	if err != nil {
		return "", err
	}
	word := r.wordList[idx]
	n, err := cryptoIntN(990)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", word, n+10), nil
}

func cryptoIntN(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// IsAvailable reports whether subdomain is neither active nor reserved.
func (r *Registry) IsAvailable(subdomain string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, active := r.data.ActiveSubdomains[subdomain]
	_, reserved := r.data.ReservedSubdomains[subdomain]
	return !active && !reserved
}

// Release frees subdomain when its tunnel disconnects (spec §5.4).
func (r *Registry) Release(subdomain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data.ActiveSubdomains, subdomain)
	return r.saveLocked()
}

// TunnelFor resolves the tunnel id currently bound to subdomain.
func (r *Registry) TunnelFor(subdomain string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data.ActiveSubdomains[subdomain]
	if !ok {
		return "", false
	}
	return rec.TunnelID, true
}

func reservedSet() map[string]struct{} {
	out := make(map[string]struct{}, len(reservedWords))
	for _, w := range reservedWords {
		out[w] = struct{}{}
	}
	return out
}

var reservedWords = []string{
	"www", "api", "admin", "app", "mail", "ftp", "ssh",
	"vpn", "cdn", "static", "assets", "img", "images",
	"css", "js", "media", "files", "download", "upload",
	"security", "auth", "login", "oauth", "sso", "saml",
	"ldap", "ad", "cert", "ssl", "tls", "key", "secret",
	"proxy", "gateway", "load", "balance", "cache", "redis",
	"db", "database", "mysql", "postgres", "mongo", "elastic",
	"search", "log", "logs", "metrics", "monitor", "health",
	"dashboard", "console", "control", "manage", "config",
	"settings", "profile", "account", "user", "users",
	"webhook", "callback", "notify", "alert", "status",
	"tunnel", "connect", "client", "server", "endpoint",
}

var wordList = []string{
	"mighty", "brave", "swift", "clever", "bright", "strong", "gentle", "noble",
	"quick", "smart", "bold", "calm", "cool", "fresh", "sharp", "smooth",
	"warm", "wise", "clear", "fast", "light", "pure", "safe", "solid",
	"super", "ultra", "mega", "prime", "elite", "royal", "grand", "magic",
	"lion", "tiger", "eagle", "wolf", "bear", "fox", "hawk", "shark",
	"star", "moon", "sun", "storm", "wind", "fire", "rock", "wave",
	"code", "data", "link", "node", "core", "zone", "base", "port",
	"key", "lock", "gate", "path", "bridge", "tower", "space", "cloud",
	"byte", "chip", "disk", "mesh", "grid", "sync", "flow", "beam",
	"pulse", "spark", "flash", "boost", "peak", "apex", "edge", "vertex",
	"pixel", "vector", "matrix", "tensor", "neural", "quantum", "digital", "cyber",
	"red", "blue", "green", "gold", "silver", "purple", "orange", "pink",
	"coral", "azure", "crimson", "emerald", "amber", "violet", "indigo", "cyan",
}
