package artifacts

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// Per-entry ceiling for decompressed credential files. Signing keys and
// provisioning profiles are tiny; anything larger is a malformed bundle.
const maxCredentialEntryBytes = 10 << 20

// CredentialBundle is the parsed content of a signing bundle
type CredentialBundle struct {
	Key      []byte   `json:"key"`
	Password string   `json:"password"`
	Profiles [][]byte `json:"profiles,omitempty"`
}

// ReadCredentialsSecure decrypts the stored credentials bundle at rel and
// extracts the signing material from the zip archive inside it. The archive
// is decoded entirely in memory with per-entry and total decompression
// ceilings so a crafted bundle cannot exhaust the process.
func (c *Channel) ReadCredentialsSecure(rel string) (*CredentialBundle, error) {
	abs, err := c.SafeJoin(rel)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}

	plain, err := c.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credentials bundle: %w", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	if err != nil {
		return nil, types.Validationf("credentials bundle is not a zip archive: %v", err)
	}

	bundle := &CredentialBundle{}
	var total int64
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Base(f.Name)
		if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__MACOSX") {
			continue
		}

		data, err := readZipEntry(f)
		if err != nil {
			return nil, err
		}
		total += int64(len(data))
		if total > c.credentialsMax {
			return nil, types.ErrPayloadTooLarge
		}

		switch {
		case strings.HasSuffix(name, ".p12"):
			if bundle.Key != nil {
				return nil, types.Validationf("credentials bundle contains more than one signing key")
			}
			bundle.Key = data
		case name == "password.txt":
			bundle.Password = strings.TrimSpace(string(data))
		case strings.HasSuffix(name, ".mobileprovision"):
			bundle.Profiles = append(bundle.Profiles, data)
		}
	}

	if bundle.Key == nil {
		return nil, types.Validationf("credentials bundle is missing a .p12 signing key")
	}
	if bundle.Password == "" {
		return nil, types.Validationf("credentials bundle is missing password.txt")
	}
	return bundle, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxCredentialEntryBytes {
		return nil, types.ErrPayloadTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, types.Validationf("failed to open bundle entry %s: %v", f.Name, err)
	}
	defer rc.Close()

	// Headers can lie about the decompressed size; enforce the ceiling on
	// the actual bytes too.
	data, err := io.ReadAll(io.LimitReader(rc, maxCredentialEntryBytes+1))
	if err != nil {
		return nil, types.Validationf("failed to read bundle entry %s: %v", f.Name, err)
	}
	if len(data) > maxCredentialEntryBytes {
		return nil, types.ErrPayloadTooLarge
	}
	return data, nil
}
