package linkcheck

import (
	"context"
	"io"
	"time"
)

// SynchStore persists one synch record per container. SynchRecords with an
// empty type returns records of every type.
type SynchStore interface {
	UnsyncedContainers(ctx context.Context, types []string, limit int) ([]ContainerRef, error)
	SynchRecords(ctx context.Context, containerType string) ([]SynchRecord, error)
	SetSynched(ctx context.Context, refs []ContainerRef, synched bool, at time.Time) error
	DeleteContainers(ctx context.Context, refs []ContainerRef) error
}

// LinkStore persists links, instances and synch records.
type LinkStore interface {
	SynchStore

	// ReplaceInstances swaps the container's instances for the given set,
	// creating links for new URLs and marking the container synched, in one
	// transaction.
	ReplaceInstances(ctx context.Context, ref ContainerRef, instances []Instance, at time.Time) error
	InstancesForLink(ctx context.Context, linkID int64) ([]Instance, error)

	GetLink(ctx context.Context, id int64) (Link, error)
	GetLinkByURL(ctx context.Context, url string) (Link, error)
	SaveLink(ctx context.Context, link Link) error
	MarkBeingChecked(ctx context.Context, ids []int64, at time.Time) error
	DueLinks(ctx context.Context, q DueQuery) ([]Link, error)
	DeleteOrphanLinks(ctx context.Context) (int64, error)

	QueryLinks(ctx context.Context, f LinkFilter) ([]Link, int, error)
	Summary(ctx context.Context) (Summary, error)

	// RunInTx runs fn against a transactional view of the store. The
	// transaction commits when fn returns nil and rolls back otherwise.
	RunInTx(ctx context.Context, fn func(tx LinkStore) error) error
}

// ContentStore is the external source of containers and their raw fields.
type ContentStore interface {
	ListItems(ctx context.Context, containerType string, statuses []string) ([]ContentItem, error)
	ModifiedTime(ctx context.Context, ref ContainerRef) (time.Time, error)
	Status(ctx context.Context, ref ContainerRef) (string, error)
	FieldValue(ctx context.Context, ref ContainerRef, field string) (string, error)
	SetFieldValue(ctx context.Context, ref ContainerRef, field, value string) error
}

// Checker determines the health of one URL. Implementations absorb all
// transport failures into the result.
type Checker interface {
	Check(ctx context.Context, rawURL string) CheckResult
}

// RateLimiter delays callers so requests per key stay within limits.
type RateLimiter interface {
	TakeToken(ctx context.Context, key string) error
}

// DistributedLock is a named, process-wide acquire-or-abort lock.
type DistributedLock interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

// LoadSensor reports the recent server load average. ok is false when the
// platform cannot report it.
type LoadSensor interface {
	Load() (load float64, ok bool)
}

// Publisher pushes link status events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run ids and lock tokens.
type IDGenerator interface {
	NewID() (string, error)
}
