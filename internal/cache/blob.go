package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var addressDomainKey = [32]byte{
	's', 'i', 'm', 'p', 'l', 'e', '-', 'c', 'd', ' ', 'c', 'a', 'c', 'h', 'e', ' ',
	'a', 'd', 'd', 'r', 'e', 's', 's', ' ', 'v', '1', 0, 0, 0, 0, 0, 0,
}

// Address is the content address of a cache key within a namespace.
func Address(namespace, key string) string {
	hasher, err := blake3.NewKeyed(addressDomainKey[:])
	if err != nil {
		panic("cache: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(namespace))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashFiles derives a key suffix from file contents, e.g. a lock file.
func HashFiles(paths ...string) (string, error) {
	readers := make([]io.Reader, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return "", err
		}
		defer f.Close()
		readers = append(readers, f)
	}
	return HashReader(io.MultiReader(readers...))
}

func HashReader(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil))[:32], nil
}

// BlobStore holds cache payloads. Write stores payload as the named blob and
// returns its location.
type BlobStore interface {
	Write(ctx context.Context, namespace, name string, payload io.Reader) (string, int64, error)
	Open(location string) (io.ReadCloser, error)
	Delete(location string) error
}

// FileBlobStore keeps payloads zstd compressed under dir/<namespace>/.
type FileBlobStore struct {
	dir string
}

func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	return &FileBlobStore{dir: dir}, nil
}

func (fs *FileBlobStore) Write(
	ctx context.Context,
	namespace, name string,
	payload io.Reader,
) (string, int64, error) {
	nsDir := filepath.Join(fs.dir, namespaceDir(namespace))
	if err := os.MkdirAll(nsDir, os.ModePerm); err != nil {
		return "", 0, err
	}
	location := filepath.Join(nsDir, name+blobSuffix)
	tmp, err := os.CreateTemp(nsDir, name+".*"+tmpSuffix)
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if _, err := io.Copy(enc, &contextReader{ctx: ctx, r: payload}); err != nil {
		enc.Close()
		tmp.Close()
		return "", 0, err
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		return "", 0, err
	}
	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), location); err != nil {
		return "", 0, err
	}
	return location, info.Size(), nil
}

func (fs *FileBlobStore) Open(location string) (io.ReadCloser, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &decompressingReader{dec: dec, f: f}, nil
}

func (fs *FileBlobStore) Delete(location string) error {
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Purge removes the blobs left under dir by a previous process. The cache
// index lives in memory, so those blobs could never be hit or evicted.
// Files the store did not write are left alone.
func (fs *FileBlobStore) Purge() (int, error) {
	dirs, err := os.ReadDir(fs.dir)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, d := range dirs {
		if !d.IsDir() || !isNamespaceDir(d.Name()) {
			continue
		}
		nsDir := filepath.Join(fs.dir, d.Name())
		files, err := os.ReadDir(nsDir)
		if err != nil {
			return purged, err
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !(strings.HasSuffix(name, blobSuffix) || strings.HasSuffix(name, tmpSuffix)) {
				continue
			}
			if err := os.Remove(filepath.Join(nsDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return purged, err
			}
			if strings.HasSuffix(name, blobSuffix) {
				purged++
			}
		}
		// only succeeds once the directory is empty
		_ = os.Remove(nsDir)
	}
	return purged, nil
}

const (
	blobSuffix = ".zst"
	tmpSuffix  = ".tmp"
)

func namespaceDir(namespace string) string {
	return Address("", namespace)[:16]
}

func isNamespaceDir(name string) bool {
	if len(name) != 16 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

type decompressingReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *decompressingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decompressingReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
