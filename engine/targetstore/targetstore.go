// Package targetstore implements the pluggable blob target (C9): transfers
// a staged artifact set to WebDAV or a local directory, in the fixed
// upload order the spec requires (parts, then entry index, then manifest,
// then the sentinel last).
package targetstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMissingTarget is returned by a delete probe that finds the target
// base path already absent — the corresponding run-artifact moves to
// "missing" rather than retrying.
var ErrMissingTarget = errors.New("targetstore: target not found")

// Store is the capability set both backends implement. Paths passed in are
// always relative to the store's base (job_id/run_id/... segments joined
// with "/").
type Store interface {
	Put(ctx context.Context, relPath, localPath string) error
	Stat(ctx context.Context, relPath string) (size int64, ok bool, err error)
	Get(ctx context.Context, relPath, localPath string) error
	Delete(ctx context.Context, relPath string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// retry parameters from §5: base 500ms, cap 30s, 3 attempts, for transient
// status codes / network errors.
const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 30 * time.Second
)

// retryable is satisfied by errors the retry loop should retry; backends
// wrap transient I/O/HTTP errors in this.
type retryable interface {
	Temporary() bool
}

// withRetry runs fn up to retryAttempts times with exponential backoff,
// retrying only when the error is marked Temporary(); non-retryable errors
// are returned as-is, and a Temporary() error on the final attempt is
// returned wrapped with the attempt count.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var t retryable
		if !errorsAs(err, &t) || !t.Temporary() {
			return err
		}
		if attempt == retryAttempts-1 {
			break
		}
		delay := time.Duration(math.Min(float64(retryCap), float64(retryBase)*math.Pow(2, float64(attempt))))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("targetstore: exhausted %d attempts: %w", retryAttempts, err)
}

// errorsAs walks err's Unwrap chain and reports the first error that
// implements retryable.
func errorsAs(err error, target *retryable) bool {
	for err != nil {
		if t, ok := err.(retryable); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UploadPlan is the set of files an artifact-set upload must transfer, in
// required order.
type UploadPlan struct {
	PartPaths      []string // absolute local paths, in concatenation order
	PartRelNames   []string // relative names matching PartPaths, e.g. "payload.part000001"
	EntryIndexPath string   // absolute local path
	ManifestPath   string   // absolute local path
}

// Upload transfers an artifact set to store under base (job_id/run_id),
// in the fixed order parts -> entries index -> manifest -> sentinel.
// progress is invoked after every successful Put with the cumulative
// bytes transferred so far; it may be nil.
func Upload(ctx context.Context, store Store, base string, plan UploadPlan, sizes map[string]int64, progress func(cumulativeBytes int64)) error {
	var cumulative int64

	put := func(relName, localPath string) error {
		rel := base + "/" + relName
		if err := withRetry(ctx, func() error { return store.Put(ctx, rel, localPath) }); err != nil {
			return fmt.Errorf("targetstore: upload %s: %w", rel, err)
		}
		size, ok, err := store.Stat(ctx, rel)
		if err != nil {
			return fmt.Errorf("targetstore: verify %s: %w", rel, err)
		}
		if !ok {
			return fmt.Errorf("targetstore: %s missing immediately after upload", rel)
		}
		if want := sizes[relName]; want > 0 && size != want {
			return fmt.Errorf("targetstore: %s size mismatch: got %d want %d", rel, size, want)
		}
		cumulative += size
		if progress != nil {
			progress(cumulative)
		}
		return nil
	}

	for i, localPath := range plan.PartPaths {
		if err := put(plan.PartRelNames[i], localPath); err != nil {
			return err
		}
	}
	if plan.EntryIndexPath != "" {
		if err := put("entries_index.jsonl.zst", plan.EntryIndexPath); err != nil {
			return err
		}
	}
	if plan.ManifestPath != "" {
		if err := put("manifest.json", plan.ManifestPath); err != nil {
			return err
		}
	}
	// The sentinel is not uploaded here: engine/manifest writes it to the
	// local stage, and the caller uploads it with UploadSentinel after this
	// function returns, so it lands after every file above.
	return nil
}

// UploadSentinel uploads complete.json last, after every other file in the
// plan has been confirmed present.
func UploadSentinel(ctx context.Context, store Store, base, sentinelLocalPath string) error {
	rel := base + "/complete.json"
	if err := withRetry(ctx, func() error { return store.Put(ctx, rel, sentinelLocalPath) }); err != nil {
		return fmt.Errorf("targetstore: upload sentinel %s: %w", rel, err)
	}
	return nil
}
