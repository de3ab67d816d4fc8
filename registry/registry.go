package registry

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	skerrors "github.com/vinayprograms/singletonkit/errors"
)

// Common errors returned by backends.
var (
	ErrNotFound         = errors.New("claim not found")
	ErrExists           = errors.New("claim already exists")
	ErrConflict         = errors.New("claim revision conflict")
	ErrClosed           = errors.New("registry closed")
	ErrWatchUnsupported = errors.New("backend cannot watch claims")
)

// MaxNameLength bounds singleton names so they fit in KV keys and bus subjects.
const MaxNameLength = 128

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateName checks that a singleton name is usable as a key and subject token.
func ValidateName(name string) error {
	if name == "" {
		return skerrors.InvalidInput("singleton name is empty")
	}
	if len(name) > MaxNameLength {
		return skerrors.InvalidInput("singleton name too long", skerrors.WithName(name))
	}
	if !namePattern.MatchString(name) {
		return skerrors.InvalidInput("singleton name must match [A-Za-z0-9_-]+", skerrors.WithName(name))
	}
	return nil
}

// Role is the outcome of an election from the caller's point of view.
type Role int

const (
	// RoleOwner means this node claimed the name and runs the worker.
	RoleOwner Role = iota + 1
	// RoleFollower means another handle already holds the claim.
	RoleFollower
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleFollower:
		return "follower"
	default:
		return "none"
	}
}

// Handle identifies one running worker instance cluster-wide.
type Handle struct {
	// ID is unique per spawn.
	ID string `json:"id"`

	// Name is the singleton name the worker was spawned for.
	Name string `json:"name"`

	// Node is the node hosting the worker.
	Node string `json:"node"`
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h.ID == ""
}

// String returns a short printable form.
func (h Handle) String() string {
	if h.IsZero() {
		return "<none>"
	}
	return h.Name + "/" + h.ID + "@" + h.Node
}

// Factory names a worker factory registered on every node plus its arguments.
type Factory struct {
	Kind string   `json:"kind"`
	Args []string `json:"args,omitempty"`
}

// Claim is the record stored under a singleton's key.
type Claim struct {
	Name      string    `json:"name"`
	Handle    Handle    `json:"handle"`
	Factory   Factory   `json:"factory"`
	ClaimedAt time.Time `json:"claimed_at"`

	// ExpiresAt is the lease deadline. The owner node pushes it forward;
	// a claim past its deadline counts as absent.
	ExpiresAt time.Time `json:"expires_at"`

	// Revision is the backend revision the claim was read at.
	Revision uint64 `json:"-"`
}

// Expired reports whether the lease has run out at now.
func (c Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Marshal serializes a claim to JSON.
func (c Claim) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalClaim deserializes a claim read at revision rev.
func UnmarshalClaim(data []byte, rev uint64) (Claim, error) {
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return Claim{}, skerrors.WrapWithCode(err, skerrors.ErrCodeCorruption, "decode claim")
	}
	c.Revision = rev
	return c, nil
}

// Exit is the record a worker leaves behind when it ends. It outlives the
// claim for a while so watchers that arrive after the claim is gone still
// learn how the worker ended.
type Exit struct {
	Handle Handle          `json:"handle"`
	Reason string          `json:"reason"`
	Error  *skerrors.Error `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// exitRecord is the backend name of the exit record for a singleton. Names
// cannot contain dots, so it never collides with a claim.
func exitRecord(name string) string {
	return name + ".exit"
}

// Backend stores raw claim records with revision-checked writes.
// Implementations must make Create and Swap linearizable per name.
type Backend interface {
	// Create stores data only if name has no record. Returns ErrExists otherwise.
	Create(ctx context.Context, name string, data []byte, ttl time.Duration) (uint64, error)

	// Get returns the record and its revision. Returns ErrNotFound if absent.
	Get(ctx context.Context, name string) ([]byte, uint64, error)

	// Swap replaces the record only if it is still at rev.
	// Returns ErrConflict or ErrNotFound otherwise.
	Swap(ctx context.Context, name string, data []byte, rev uint64, ttl time.Duration) (uint64, error)

	// Remove deletes the record only if it is still at rev.
	// Returns ErrConflict if it changed, nil if it is already gone.
	Remove(ctx context.Context, name string, rev uint64) error

	// Close releases backend resources.
	Close() error
}

// Watcher is implemented by backends that can push claim changes.
type Watcher interface {
	// Watch signals on the returned channel whenever name's record changes.
	// The channel closes when ctx is done.
	Watch(ctx context.Context, name string) (<-chan struct{}, error)
}

// Spawner starts and kills workers on the local node.
type Spawner interface {
	// Spawn starts a worker for h built by f.
	Spawn(ctx context.Context, h Handle, f Factory) error

	// Kill terminates the worker abnormally.
	Kill(id string) error
}
