package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/metrics"
	"github.com/sethwebster/expo-free-agent/pkg/security"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Target names the artifact slot an ingest or egress addresses
type Target string

const (
	TargetSource      Target = "source"
	TargetCredentials Target = "credentials"
	TargetResult      Target = "result"
)

const stagingDir = "staging"

// Channel moves artifact bytes between clients and the storage root without
// buffering whole payloads. Every derived path is validated to stay inside
// the root. Writes go through staging files and an atomic rename.
type Channel struct {
	root      string // absolute storage root
	chunkSize int64

	sourceMax      int64
	credentialsMax int64
	resultMax      int64

	cipher *security.BundleCipher
}

// Config holds the channel limits
type Config struct {
	Root                string
	ChunkSize           int64
	SourceMaxBytes      int64
	CredentialsMaxBytes int64
	ResultMaxBytes      int64
}

// NewChannel creates the channel rooted at cfg.Root, creating the root and
// clearing any staging files left behind by a previous run.
func NewChannel(cfg Config, cipher *security.BundleCipher) (*Channel, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	staging := filepath.Join(root, stagingDir)
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Channel{
		root:           root,
		chunkSize:      cfg.ChunkSize,
		sourceMax:      cfg.SourceMaxBytes,
		credentialsMax: cfg.CredentialsMaxBytes,
		resultMax:      cfg.ResultMaxBytes,
		cipher:         cipher,
	}, nil
}

// RelPath returns the canonical relative path for a build's target slot.
func RelPath(buildID string, target Target) string {
	return filepath.Join("builds", buildID, string(target))
}

// SafeJoin joins the given elements under the storage root and rejects any
// input whose cleaned result escapes it.
func (c *Channel) SafeJoin(elem ...string) (string, error) {
	joined := filepath.Join(append([]string{c.root}, elem...)...)
	cleaned := filepath.Clean(joined)
	if cleaned != c.root && !strings.HasPrefix(cleaned, c.root+string(os.PathSeparator)) {
		log.WithComponent("artifacts").Error().
			Str("path", strings.Join(elem, "/")).
			Msg("path escapes storage root")
		return "", types.ErrPathViolation
	}
	return cleaned, nil
}

// maxFor returns the configured size cap for a target.
func (c *Channel) maxFor(target Target) int64 {
	switch target {
	case TargetCredentials:
		return c.credentialsMax
	case TargetResult:
		return c.resultMax
	default:
		return c.sourceMax
	}
}

// Ingest streams r into the build's target slot. The bytes land in a staging
// file keyed by correlation id, are fsynced, and are renamed into place only
// on success. Size overflow fails with ErrPayloadTooLarge before any rename.
// The credentials target is additionally encrypted at rest.
func (c *Channel) Ingest(ctx context.Context, buildID string, target Target, r io.Reader, correlationID string) (string, int64, error) {
	rel := RelPath(buildID, target)
	max := c.maxFor(target)

	if target == TargetCredentials {
		n, err := c.ingestEncrypted(ctx, rel, r, max, correlationID)
		return rel, n, err
	}

	n, err := c.ingestStream(ctx, rel, r, max, correlationID)
	if err != nil {
		return "", 0, err
	}
	metrics.BytesIngested.WithLabelValues(string(target)).Add(float64(n))
	return rel, n, nil
}

// Staged is a fully written, fsynced staging file that has not yet been
// renamed into its final location.
type Staged struct {
	rel   string
	path  string
	bytes int64
}

// Rel returns the relative path the staged file will occupy once promoted.
func (st *Staged) Rel() string { return st.rel }

// Bytes returns the staged payload size.
func (st *Staged) Bytes() int64 { return st.bytes }

// IngestStaged streams r into a staging file for the build's target slot and
// stops there. The caller promotes or discards the result; nothing is visible
// at the final path until Promote.
func (c *Channel) IngestStaged(ctx context.Context, buildID string, target Target, r io.Reader, correlationID string) (*Staged, error) {
	rel := RelPath(buildID, target)
	staged, err := c.stage(ctx, rel, r, c.maxFor(target), correlationID)
	if err != nil {
		return nil, err
	}
	metrics.BytesIngested.WithLabelValues(string(target)).Add(float64(staged.bytes))
	return staged, nil
}

// Promote renames a staged file into its final location.
func (c *Channel) Promote(st *Staged) error {
	dst, err := c.SafeJoin(st.rel)
	if err != nil {
		os.Remove(st.path)
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		os.Remove(st.path)
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	// Last writer wins at the rename; an earlier writer's staging file is
	// already gone because each request stages under its own correlation id.
	if err := os.Rename(st.path, dst); err != nil {
		os.Remove(st.path)
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// Discard removes a staged file that will not be promoted. Safe to call after
// a successful Promote.
func (c *Channel) Discard(st *Staged) {
	os.Remove(st.path)
}

func (c *Channel) stage(ctx context.Context, rel string, r io.Reader, max int64, correlationID string) (*Staged, error) {
	if _, err := c.SafeJoin(rel); err != nil {
		return nil, err
	}

	staging := filepath.Join(c.root, stagingDir, correlationID+"-"+filepath.Base(rel))
	f, err := os.OpenFile(staging, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	cleanup := func() {
		f.Close()
		os.Remove(staging)
	}

	// Copy one byte past the cap so overflow is detectable without
	// consuming the rest of the request.
	n, err := io.Copy(f, io.LimitReader(&ctxReader{ctx: ctx, r: r}, max+1))
	if err != nil {
		cleanup()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrPayloadTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if n > max {
		cleanup()
		return nil, types.ErrPayloadTooLarge
	}

	if err := f.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(staging)
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return &Staged{rel: rel, path: staging, bytes: n}, nil
}

func (c *Channel) ingestStream(ctx context.Context, rel string, r io.Reader, max int64, correlationID string) (int64, error) {
	staged, err := c.stage(ctx, rel, r, max, correlationID)
	if err != nil {
		return 0, err
	}
	if err := c.Promote(staged); err != nil {
		return 0, err
	}
	return staged.bytes, nil
}

func (c *Channel) ingestEncrypted(ctx context.Context, rel string, r io.Reader, max int64, correlationID string) (int64, error) {
	// Credential bundles are small enough to hold in memory for sealing.
	buf, err := io.ReadAll(io.LimitReader(&ctxReader{ctx: ctx, r: r}, max+1))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrPayloadTooLarge) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if int64(len(buf)) > max {
		return 0, types.ErrPayloadTooLarge
	}
	if len(buf) == 0 {
		return 0, types.Validationf("credentials bundle is empty")
	}

	sealed, err := c.cipher.Encrypt(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	n, err := c.ingestStream(ctx, rel, strings.NewReader(string(sealed)), int64(len(sealed)), correlationID)
	if err != nil {
		return 0, err
	}
	metrics.BytesIngested.WithLabelValues(string(TargetCredentials)).Add(float64(n))
	return int64(len(buf)), nil
}

// Egress streams the file at rel to w in fixed-size chunks. Partial reads
// mutate no state; the caller owns connection teardown.
func (c *Channel) Egress(ctx context.Context, rel string, w io.Writer) (int64, error) {
	src, err := c.SafeJoin(rel)
	if err != nil {
		return 0, err
	}

	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, types.ErrNotFound
		}
		return 0, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	defer f.Close()

	buf := make([]byte, c.chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, rerr)
		}
	}
	metrics.BytesEgressed.Add(float64(total))
	return total, nil
}

// Stat returns the stored size of the file at rel.
func (c *Channel) Stat(rel string) (int64, error) {
	abs, err := c.SafeJoin(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, types.ErrNotFound
		}
		return 0, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return info.Size(), nil
}

// LinkOrCopy hardlinks srcRel to dstRel, falling back to a byte copy when
// linking is not possible (cross-device roots).
func (c *Channel) LinkOrCopy(srcRel, dstRel string) error {
	src, err := c.SafeJoin(srcRel)
	if err != nil {
		return err
	}
	dst, err := c.SafeJoin(dstRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}

// RemoveBuild removes every artifact stored for a build. Used only to roll
// back a submission that failed before its record was committed.
func (c *Channel) RemoveBuild(buildID string) error {
	dir, err := c.SafeJoin("builds", buildID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ctxReader cancels an in-flight copy when the request context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
