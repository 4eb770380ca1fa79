package artifacts

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/security"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	cipher, err := security.NewBundleCipherFromSecret("test-bundle-secret")
	require.NoError(t, err)

	ch, err := NewChannel(Config{
		Root:                t.TempDir(),
		ChunkSize:           8, // tiny chunks exercise the egress loop
		SourceMaxBytes:      1 << 20,
		CredentialsMaxBytes: 1 << 20,
		ResultMaxBytes:      64,
	}, cipher)
	require.NoError(t, err)
	return ch
}

func TestSafeJoinContainment(t *testing.T) {
	ch := newTestChannel(t)

	tests := []struct {
		name  string
		elems []string
		ok    bool
	}{
		{"simple", []string{"builds", "b1", "source"}, true},
		{"root itself", []string{}, true},
		{"dot segments collapse inside", []string{"builds", "b1", "..", "b2", "source"}, true},
		{"parent escape", []string{".."}, false},
		{"deep escape", []string{"builds", "..", "..", "etc", "passwd"}, false},
		{"sneaky prefix", []string{"..", filepath.Base(ch.root) + "-evil"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ch.SafeJoin(tt.elems...)
			if tt.ok {
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(got, ch.root))
			} else {
				assert.ErrorIs(t, err, types.ErrPathViolation)
			}
		})
	}
}

func TestIngestEgressRoundtrip(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("expo-source-bundle-"), 100)
	rel, n, err := ch.Ingest(ctx, "b1", TargetSource, bytes.NewReader(payload), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, filepath.Join("builds", "b1", "source"), rel)

	size, err := ch.Stat(rel)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	var out bytes.Buffer
	sent, err := ch.Egress(ctx, rel, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), sent)
	assert.Equal(t, payload, out.Bytes())
}

func TestIngestEnforcesCapBeforeRename(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	// Result cap is 64 bytes in the test channel.
	_, _, err := ch.Ingest(ctx, "b1", TargetResult, bytes.NewReader(make([]byte, 65)), "corr-1")
	assert.ErrorIs(t, err, types.ErrPayloadTooLarge)

	// Nothing renamed into place, nothing left in staging.
	_, err = ch.Stat(RelPath("b1", TargetResult))
	assert.ErrorIs(t, err, types.ErrNotFound)
	entries, err := os.ReadDir(filepath.Join(ch.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStagedPromoteAndDiscard(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	payload := []byte("build output")
	staged, err := ch.IngestStaged(ctx, "b1", TargetResult, bytes.NewReader(payload), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), staged.Bytes())
	assert.Equal(t, RelPath("b1", TargetResult), staged.Rel())

	// Nothing visible at the final path until promotion.
	_, err = ch.Stat(staged.Rel())
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, ch.Promote(staged))
	var out bytes.Buffer
	_, err = ch.Egress(ctx, staged.Rel(), &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())

	// A discarded stage never reaches the stored file.
	loser, err := ch.IngestStaged(ctx, "b1", TargetResult, bytes.NewReader([]byte("late duplicate")), "corr-2")
	require.NoError(t, err)
	ch.Discard(loser)

	out.Reset()
	_, err = ch.Egress(ctx, staged.Rel(), &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())

	entries, err := os.ReadDir(filepath.Join(ch.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestRespectsContextCancel(t *testing.T) {
	ch := newTestChannel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := ch.Ingest(ctx, "b1", TargetSource, bytes.NewReader([]byte("data")), "corr-1")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(filepath.Join(ch.root, stagingDir))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEgressMissingFile(t *testing.T) {
	ch := newTestChannel(t)
	_, err := ch.Egress(context.Background(), RelPath("ghost", TargetSource), io.Discard)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLinkOrCopy(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	payload := []byte("shared source bytes")
	srcRel, _, err := ch.Ingest(ctx, "b1", TargetSource, bytes.NewReader(payload), "corr-1")
	require.NoError(t, err)

	dstRel := RelPath("b2", TargetSource)
	require.NoError(t, ch.LinkOrCopy(srcRel, dstRel))

	var out bytes.Buffer
	_, err = ch.Egress(ctx, dstRel, &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())
}

func credentialsZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestCredentialsSecureRoundtrip(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	key := []byte{0x30, 0x82, 0x01, 0x02, 0x03}
	profile := []byte("provisioning-profile-bytes")
	bundle := credentialsZip(t, map[string][]byte{
		"dist.p12":             key,
		"password.txt":         []byte("hunter2\n"),
		"app.mobileprovision":  profile,
		"__MACOSX/.dist.p12":   []byte("resource fork noise"),
		"README":               []byte("ignored"),
	})

	rel, n, err := ch.Ingest(ctx, "b1", TargetCredentials, bytes.NewReader(bundle), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(bundle)), n)

	// Sealed at rest: the stored bytes are not the plaintext archive.
	abs, err := ch.SafeJoin(rel)
	require.NoError(t, err)
	stored, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.NotEqual(t, bundle, stored)
	assert.NotContains(t, string(stored), "hunter2")

	parsed, err := ch.ReadCredentialsSecure(rel)
	require.NoError(t, err)
	assert.Equal(t, key, parsed.Key)
	assert.Equal(t, "hunter2", parsed.Password)
	require.Len(t, parsed.Profiles, 1)
	assert.Equal(t, profile, parsed.Profiles[0])
}

func TestCredentialsSecureRejectsMalformed(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		entries map[string][]byte
	}{
		{"missing key", map[string][]byte{"password.txt": []byte("x")}},
		{"missing password", map[string][]byte{"dist.p12": []byte{1}}},
		{"two keys", map[string][]byte{
			"a.p12": []byte{1}, "b.p12": []byte{2}, "password.txt": []byte("x"),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, _, err := ch.Ingest(ctx, "b-"+tt.name, TargetCredentials,
				bytes.NewReader(credentialsZip(t, tt.entries)), "corr-1")
			require.NoError(t, err)

			_, err = ch.ReadCredentialsSecure(rel)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestCredentialsSecureRejectsNonZip(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	rel, _, err := ch.Ingest(ctx, "b1", TargetCredentials, strings.NewReader("not a zip"), "corr-1")
	require.NoError(t, err)

	_, err = ch.ReadCredentialsSecure(rel)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestRemoveBuild(t *testing.T) {
	ch := newTestChannel(t)
	ctx := context.Background()

	rel, _, err := ch.Ingest(ctx, "b1", TargetSource, strings.NewReader("bytes"), "corr-1")
	require.NoError(t, err)

	require.NoError(t, ch.RemoveBuild("b1"))
	_, err = ch.Stat(rel)
	assert.ErrorIs(t, err, types.ErrNotFound)
}
