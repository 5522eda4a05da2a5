// Package crypto decorates a blob.Store with kryptograf envelope encryption.
//
// Every object gets its own data key minted from the root key with the object
// location as context. The descriptor needed to reconstruct that key is
// stored in a small header ahead of the ciphertext:
//
//	"SQXE" | version (1 byte) | descriptor length (uint16 BE) | descriptor | ciphertext
package crypto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/sqsext/blob"
)

const (
	headerMagic   = "SQXE"
	headerVersion = 1
	// keeps per-writer buffers small; payloads are usually a few hundred KiB
	streamChunkSize = 8 * 1024
)

// ErrNotEncrypted is returned by GetObject when the stored object lacks the
// envelope header.
var ErrNotEncrypted = errors.New("crypto: object is not encrypted")

// Config drives the encrypting store.
type Config struct {
	RootKey keymgmt.RootKey
	Snappy  bool
}

type store struct {
	inner blob.Store
	kg    kryptograf.Kryptograf
}

var bufferPool sync.Pool

// Wrap returns inner decorated with envelope encryption.
func Wrap(inner blob.Store, cfg Config) (blob.Store, error) {
	if inner == nil {
		return nil, fmt.Errorf("crypto: inner store required")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("crypto: root key required")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(streamChunkSize).
		WithOptions(kryptograf.WithBufferPool(&bufferPool))
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	return &store{inner: inner, kg: kg}, nil
}

func objectContext(container, key string) []byte {
	return []byte("sqsext-payload:" + container + "/" + key)
}

// PutObject encrypts body in memory and hands the sealed envelope to the
// inner store as a seekable reader, so retries can replay it.
func (s *store) PutObject(ctx context.Context, container, key string, body io.Reader, opts blob.PutOptions) (*blob.ObjectInfo, error) {
	mat, err := s.kg.MintDEK(objectContext(container, key))
	if err != nil {
		return nil, fmt.Errorf("crypto: mint data key: %w", err)
	}
	defer mat.Zero()
	desc, err := mat.Descriptor.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal descriptor: %w", err)
	}
	if len(desc) > 0xFFFF {
		return nil, fmt.Errorf("crypto: descriptor too large (%d bytes)", len(desc))
	}
	var buf bytes.Buffer
	if opts.Size > 0 {
		buf.Grow(int(opts.Size) + len(desc) + 512)
	}
	buf.WriteString(headerMagic)
	buf.WriteByte(headerVersion)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(desc)))
	buf.Write(lenBuf[:])
	buf.Write(desc)

	writer, err := s.kg.EncryptWriter(&buf, mat)
	if err != nil {
		return nil, fmt.Errorf("crypto: encrypt: %w", err)
	}
	plainSize, err := io.Copy(writer, body)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("crypto: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("crypto: encrypt close: %w", err)
	}
	sealed := buf.Bytes()
	info, err := s.inner.PutObject(ctx, container, key, bytes.NewReader(sealed), blob.PutOptions{
		ContentType: blob.ContentTypeOctetStream,
		Size:        int64(len(sealed)),
	})
	if err != nil {
		return nil, err
	}
	out := *info
	out.Size = plainSize
	if opts.ContentType != "" {
		out.ContentType = opts.ContentType
	}
	return &out, nil
}

// GetObject opens the envelope and returns a decrypting reader. The reported
// size is -1 since the plaintext length is not known until fully read.
func (s *store) GetObject(ctx context.Context, container, key string) (blob.GetResult, error) {
	res, err := s.inner.GetObject(ctx, container, key)
	if err != nil {
		return res, err
	}
	br := bufio.NewReader(res.Reader)
	desc, err := readHeader(br)
	if err != nil {
		res.Reader.Close()
		return blob.GetResult{}, err
	}
	mat, err := s.kg.ReconstructDEK(objectContext(container, key), desc)
	if err != nil {
		res.Reader.Close()
		return blob.GetResult{}, fmt.Errorf("crypto: reconstruct data key: %w", err)
	}
	plain, err := s.kg.DecryptReader(br, mat)
	if err != nil {
		mat.Zero()
		res.Reader.Close()
		return blob.GetResult{}, fmt.Errorf("crypto: decrypt: %w", err)
	}
	var info *blob.ObjectInfo
	if res.Info != nil {
		cp := *res.Info
		cp.Size = -1
		info = &cp
	}
	return blob.GetResult{
		Reader: &decryptingReader{plain: plain, raw: res.Reader, material: mat},
		Info:   info,
	}, nil
}

func readHeader(r io.Reader) (keymgmt.Descriptor, error) {
	var desc keymgmt.Descriptor
	var fixed [len(headerMagic) + 3]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return desc, ErrNotEncrypted
		}
		return desc, fmt.Errorf("crypto: read header: %w", err)
	}
	if string(fixed[:len(headerMagic)]) != headerMagic {
		return desc, ErrNotEncrypted
	}
	if v := fixed[len(headerMagic)]; v != headerVersion {
		return desc, fmt.Errorf("crypto: unsupported envelope version %d", v)
	}
	n := binary.BigEndian.Uint16(fixed[len(headerMagic)+1:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return desc, fmt.Errorf("crypto: read descriptor: %w", err)
	}
	if err := desc.UnmarshalBinary(raw); err != nil {
		return desc, fmt.Errorf("crypto: decode descriptor: %w", err)
	}
	return desc, nil
}

func (s *store) DeleteObject(ctx context.Context, container, key string) error {
	return s.inner.DeleteObject(ctx, container, key)
}

func (s *store) Close() error {
	return s.inner.Close()
}

type decryptingReader struct {
	plain    io.ReadCloser
	raw      io.ReadCloser
	material kryptograf.Material
}

func (d *decryptingReader) Read(p []byte) (int, error) {
	return d.plain.Read(p)
}

func (d *decryptingReader) Close() error {
	err := d.plain.Close()
	if rerr := d.raw.Close(); err == nil {
		err = rerr
	}
	d.material.Zero()
	return err
}

// LoadRootKey reads the root key from a kryptograf PEM bundle on disk.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("crypto: read key bundle: %w", err)
	}
	ks, err := keymgmt.LoadPEM(data)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("crypto: load key bundle: %w", err)
	}
	root, ok, err := ks.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("crypto: read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, fmt.Errorf("crypto: key bundle %s has no root key", path)
	}
	return root, nil
}

// GenerateKeyBundle returns a new PEM bundle holding a freshly generated root key.
func GenerateKeyBundle() ([]byte, error) {
	var out []byte
	ks, err := keymgmt.LoadPEMInto(nil, &out)
	if err != nil {
		return nil, fmt.Errorf("crypto: prepare key bundle: %w", err)
	}
	if _, err := ks.EnsureRootKey(); err != nil {
		return nil, fmt.Errorf("crypto: generate root key: %w", err)
	}
	if err := ks.Commit(); err != nil {
		return nil, fmt.Errorf("crypto: commit key bundle: %w", err)
	}
	if len(out) == 0 {
		raw, err := ks.Bytes()
		if err != nil {
			return nil, fmt.Errorf("crypto: serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, nil
}
