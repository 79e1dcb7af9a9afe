////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package media

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/puzpuzpuz/xsync"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
)

// BlobStore holds encrypted attachments by content address.
type BlobStore interface {
	// Upload stores the data and returns the URL it can be fetched from.
	Upload(ctx context.Context, data []byte, mimeType string) (string, error)

	// Download fetches the data at the URL.
	Download(ctx context.Context, url string) ([]byte, error)
}

const memoryScheme = "memory://"

// MemoryBlobStore is a BlobStore held in memory, used by tests and the
// offline command line client.
type MemoryBlobStore struct {
	blobs *xsync.MapOf[string, []byte]
}

// NewMemoryBlobStore builds an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: xsync.NewMapOf[[]byte]()}
}

// Upload stores the data under its SHA-256.
func (s *MemoryBlobStore) Upload(_ context.Context, data []byte, _ string) (string, error) {
	hash := sha256.Sum256(data)
	url := memoryScheme + identity.EncodeHex(hash[:])
	s.blobs.Store(url, append([]byte(nil), data...))
	return url, nil
}

// Download returns a copy of the stored data.
func (s *MemoryBlobStore) Download(_ context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, memoryScheme) {
		return nil, errs.New(errs.InvalidEncoding, "not a memory blob url: %s", url)
	}
	data, exists := s.blobs.Load(url)
	if !exists {
		return nil, errs.New(errs.RelayUnreachable, "no blob at %s", url)
	}
	return append([]byte(nil), data...), nil
}
