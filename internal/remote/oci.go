// Package remote ships snapshots of a dedupfs store to an OCI registry.
//
// A snapshot image carries one layer holding the encoded index and one or more
// layers holding blobs grouped by hash prefix. Layers are zstd-compressed and
// packed deterministically, so unchanged prefix groups keep their digest and
// the registry skips them on the next push.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aweris/dedupfs/internal/compression"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const DefaultConcurrency = 4

const (
	labelAlgorithm = "dev.dedupfs.algorithm"
	labelIndex     = "dev.dedupfs.index"
	indexKey       = "index"
)

// Snapshot is a self-contained copy of a store: the encoded index plus every
// blob it references, keyed by hash.
type Snapshot struct {
	Algorithm string
	Index     []byte
	Blobs     map[string][]byte
}

type OCIRemote struct {
	ref         name.Reference
	auth        Authenticator
	concurrency int
	logger      *zap.Logger
}

// NewOCIRemote creates a remote from a standard Docker ref (e.g., "ttl.sh/backup/files:main").
func NewOCIRemote(imageRef string, auth Authenticator, logger *zap.Logger) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OCIRemote{ref: ref, auth: auth, concurrency: DefaultConcurrency, logger: logger}, nil
}

// SetConcurrency sets the number of parallel operations for push/pull.
func (r *OCIRemote) SetConcurrency(n int) {
	if n > 0 {
		r.concurrency = n
	}
}

func (r *OCIRemote) String() string   { return r.ref.String() }
func (r *OCIRemote) Registry() string { return r.ref.Context().RegistryStr() }

// blobLayer implements v1.Layer with zstd compression for remote transfer.
type blobLayer struct {
	compressed   []byte
	uncompressed []byte
}

func newBlobLayer(data []byte) (*blobLayer, error) {
	compressed, err := compression.EncodeAll(data)
	if err != nil {
		return nil, err
	}
	return &blobLayer{compressed: compressed, uncompressed: data}, nil
}

func (l *blobLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *blobLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *blobLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}
func (l *blobLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}
func (l *blobLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *blobLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads snap and returns the digest reference of the pushed image.
func (r *OCIRemote) Push(ctx context.Context, snap Snapshot) (string, error) {
	indexData, err := PackLayer(map[string][]byte{indexKey: snap.Index})
	if err != nil {
		return "", err
	}
	indexLayer, err := newBlobLayer(indexData)
	if err != nil {
		return "", err
	}

	byPrefix := GroupByPrefix(snap.Blobs)
	plan := BuildLayerPlan(CalculatePrefixSizes(byPrefix))
	r.logger.Info("packing snapshot",
		zap.Int("blobs", len(snap.Blobs)),
		zap.Int("prefixes", len(byPrefix)),
		zap.Int("layers", len(plan)+1))

	layers := make([]v1.Layer, len(plan)+1)
	layers[0] = indexLayer

	p := pool.New().WithMaxGoroutines(r.concurrency).WithErrors()
	for i, group := range plan {
		p.Go(func() error {
			data, err := PackLayer(CollectPrefixBlobs(group, byPrefix))
			if err != nil {
				return err
			}
			layer, err := newBlobLayer(data)
			if err != nil {
				return err
			}
			layers[i+1] = layer
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return "", err
	}

	indexDigest, err := indexLayer.Digest()
	if err != nil {
		return "", err
	}
	img, err := r.buildImage(layers, map[string]string{
		labelAlgorithm: snap.Algorithm,
		labelIndex:     indexDigest.String(),
	})
	if err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	if err := r.pushImage(ctx, img); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return "", err
	}
	ref := r.ref.Context().Digest(digest.String()).String()
	r.logger.Info("pushed snapshot", zap.String("ref", ref))
	return ref, nil
}

func (r *OCIRemote) buildImage(layers []v1.Layer, labels map[string]string) (v1.Image, error) {
	img := mutate.MediaType(empty.Image, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, types.OCIConfigJSON)

	img, err := mutate.AppendLayers(img, layers...)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}
	cfg = cfg.DeepCopy()
	cfg.Config.Labels = labels

	return mutate.ConfigFile(img, cfg)
}

func (r *OCIRemote) pushImage(ctx context.Context, img v1.Image) error {
	options := r.remoteOptions(ctx)
	options = append(options, remote.WithJobs(r.concurrency))
	_, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, options...)
	})
	return err
}

// Pull downloads the snapshot the ref currently points at. Layers are fetched
// in parallel.
func (r *OCIRemote) Pull(ctx context.Context) (Snapshot, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(r.ref, r.remoteOptions(ctx)...)
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get config: %w", err)
	}
	indexDigest := cfg.Config.Labels[labelIndex]
	if indexDigest == "" {
		return Snapshot{}, fmt.Errorf("missing %s label", labelIndex)
	}

	layers, err := img.Layers()
	if err != nil {
		return Snapshot{}, fmt.Errorf("get layers: %w", err)
	}
	r.logger.Info("downloading snapshot", zap.String("ref", r.String()), zap.Int("layers", len(layers)))

	var mu sync.Mutex
	snap := Snapshot{Algorithm: cfg.Config.Labels[labelAlgorithm], Blobs: make(map[string][]byte)}
	foundIndex := false

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, layer := range layers {
		p.Go(func(ctx context.Context) error {
			digest, err := layer.Digest()
			if err != nil {
				return fmt.Errorf("layer digest: %w", err)
			}
			rc, err := layer.Uncompressed()
			if err != nil {
				return fmt.Errorf("read layer %s: %w", digest, err)
			}
			defer rc.Close()

			entries, err := UnpackLayer(rc)
			if err != nil {
				return fmt.Errorf("layer %s: %w", digest, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if digest.String() == indexDigest {
				data, ok := entries[indexKey]
				if !ok {
					return fmt.Errorf("index layer %s has no index entry", digest)
				}
				snap.Index = data
				foundIndex = true
				return nil
			}
			for k, v := range entries {
				snap.Blobs[k] = v
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return Snapshot{}, err
	}
	if !foundIndex {
		return Snapshot{}, fmt.Errorf("index layer %s not found in image", indexDigest)
	}

	r.logger.Info("pulled snapshot", zap.Int("blobs", len(snap.Blobs)))
	return snap, nil
}

func (r *OCIRemote) remoteOptions(ctx context.Context) []remote.Option {
	options := []remote.Option{remote.WithContext(ctx)}
	if r.auth != nil {
		username, password, err := r.auth.Authenticate(r.Registry())
		if err == nil && username != "" {
			return append(options, remote.WithAuth(&authn.Basic{
				Username: username,
				Password: password,
			}))
		}
	}
	return append(options, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := range maxAttempts {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond // 500ms, 1s, 2s, 4s...
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
