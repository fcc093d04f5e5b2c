// Package adminkey implements the AdminKeyRegistry: a small set of
// privileged keys used to administer KeyStore/PlanRegistry/TeamRegistry
// themselves, separate from the metered ApiKeyRecords those registries
// manage.
//
// The role hierarchy follows a RoleAdmin > RoleManager > RoleEngineer >
// RoleReadonly pattern (a hasRole helper comparing rank), generalized
// to a three-tier super_admin/admin/viewer hierarchy.
package adminkey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Role ranks an admin key's privilege level.
type Role int

const (
	RoleViewer Role = iota
	RoleAdmin
	RoleSuperAdmin
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "unknown"
	}
}

// Errors returned by registry operations.
var (
	ErrNotFound         = errors.New("admin_key_not_found")
	ErrInvalid          = errors.New("admin_key_invalid")
	ErrLastSuperAdmin   = errors.New("cannot_revoke_last_super_admin")
	ErrInsufficientRole = errors.New("insufficient_role")
	ErrNotBootstrap     = errors.New("not_bootstrap_key")
)

// CreatedByBootstrap marks the single key minted by New/CreateBootstrap
// rather than by an existing admin; only that key can call
// RotateBootstrap on itself.
const CreatedByBootstrap = "bootstrap"

// AdminKeyRecord identifies an administrator.
type AdminKeyRecord struct {
	Key         string
	Name        string
	Role        Role
	CreatedAt   time.Time
	CreatedBy   string
	Active      bool
	LastUsedAt  time.Time
}

const (
	bootstrapPrefix = "admin_"
	keyPrefix       = "ak_"
)

// Registry holds admin keys. Validation is constant-time over the key
// material to resist timing side-channels on the lookup, guarded by a
// mutex since admin validation runs concurrently with create/revoke.
type Registry struct {
	mu    sync.RWMutex
	byKey map[string]*AdminKeyRecord
	now   func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byKey: make(map[string]*AdminKeyRecord), now: time.Now}
}

func generate(prefix string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating admin key: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

func (r *Registry) create(name string, role Role, createdBy string) (AdminKeyRecord, error) {
	prefix := keyPrefix
	if createdBy == CreatedByBootstrap {
		prefix = bootstrapPrefix
	}
	key, err := generate(prefix)
	if err != nil {
		return AdminKeyRecord{}, err
	}
	rec := AdminKeyRecord{
		Key:       key,
		Name:      name,
		Role:      role,
		CreatedAt: r.now(),
		CreatedBy: createdBy,
		Active:    true,
	}

	r.mu.Lock()
	r.byKey[key] = &rec
	r.mu.Unlock()
	return rec, nil
}

// Create mints a new admin key with the given role, attributed to
// createdBy (typically the calling admin's own key).
func (r *Registry) Create(name string, role Role, createdBy string) (AdminKeyRecord, error) {
	return r.create(name, role, createdBy)
}

// CreateBootstrap mints the registry's one bootstrap super_admin key,
// the only key that can later call RotateBootstrap on itself.
func (r *Registry) CreateBootstrap(name string) (AdminKeyRecord, error) {
	return r.create(name, RoleSuperAdmin, CreatedByBootstrap)
}

// lengthPaddedDigest hashes key to a fixed 32-byte digest so comparing
// two keys of different lengths still performs a full-width constant
// time comparison instead of short-circuiting on length, which would
// otherwise leak how much of a guessed key matched a stored prefix.
func lengthPaddedDigest(key string) [32]byte {
	return sha256.Sum256([]byte(key))
}

// Validate looks up key using a constant-time comparison against every
// stored key (so the lookup's timing does not leak which prefix of a
// guessed key matched, even when lengths differ), returning the record
// if found, active, and meeting minRole. On a match, lastUsedAt is
// updated.
func (r *Registry) Validate(key string, minRole Role) (AdminKeyRecord, error) {
	digest := lengthPaddedDigest(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	var found *AdminKeyRecord
	for _, rec := range r.byKey {
		recDigest := lengthPaddedDigest(rec.Key)
		if subtle.ConstantTimeCompare(recDigest[:], digest[:]) == 1 {
			found = rec
		}
	}
	if found == nil {
		return AdminKeyRecord{}, ErrNotFound
	}
	if !found.Active {
		return AdminKeyRecord{}, ErrInvalid
	}
	if !hasRole(found.Role, minRole) {
		return AdminKeyRecord{}, ErrInsufficientRole
	}
	found.LastUsedAt = r.now()
	return *found, nil
}

// hasRole reports whether actual meets or exceeds required in rank.
func hasRole(actual, required Role) bool {
	return actual >= required
}

// countActiveSuperAdmins reports how many active super_admin keys
// currently exist. Callers must hold r.mu.
func (r *Registry) countActiveSuperAdmins() int {
	n := 0
	for _, rec := range r.byKey {
		if rec.Active && rec.Role == RoleSuperAdmin {
			n++
		}
	}
	return n
}

// Revoke disables key, refusing to remove the last active super_admin so
// the registry never becomes unadministrable.
func (r *Registry) Revoke(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byKey[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Role == RoleSuperAdmin && rec.Active && r.countActiveSuperAdmins() <= 1 {
		return ErrLastSuperAdmin
	}
	rec.Active = false
	return nil
}

// RotateBootstrap reissues the registry's bootstrap super_admin key,
// used when the operator has lost the original bootstrap credential.
// It succeeds only if oldKey's createdBy is "bootstrap"; any other
// super_admin key cannot rotate itself this way. The replacement is
// inserted before the old key is revoked, preserving the "always ≥1
// active super_admin" invariant across the swap.
func (r *Registry) RotateBootstrap(oldKey string) (AdminKeyRecord, error) {
	r.mu.RLock()
	rec, ok := r.byKey[oldKey]
	r.mu.RUnlock()
	if !ok {
		return AdminKeyRecord{}, ErrNotFound
	}
	if rec.CreatedBy != CreatedByBootstrap {
		return AdminKeyRecord{}, ErrNotBootstrap
	}

	fresh, err := r.create(rec.Name, RoleSuperAdmin, CreatedByBootstrap)
	if err != nil {
		return AdminKeyRecord{}, err
	}

	r.mu.Lock()
	rec.Active = false
	r.mu.Unlock()
	return fresh, nil
}

// All returns every record, for persistence/listing.
func (r *Registry) All() []AdminKeyRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AdminKeyRecord, 0, len(r.byKey))
	for _, rec := range r.byKey {
		out = append(out, *rec)
	}
	return out
}
