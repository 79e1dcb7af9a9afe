////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package media encrypts attachments and group images, uploads them to a blob
// store and keeps a record of the files each account shared.
package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

// Storage values.
const (
	mediaStoragePrefix = "MediaFiles"
	mediaListKey       = "MediaFileList"
	mediaListVersion   = 0
)

// FileMetadata describes the plaintext of a file.
type FileMetadata struct {
	OriginalFilename string `json:"originalFilename,omitempty"`
	Dimensions       string `json:"dimensions,omitempty"`
}

// MediaFile is an attachment uploaded by an account to a group.
type MediaFile struct {
	ID         string             `json:"id"`
	MlsGroupID mls.GroupID        `json:"mlsGroupId"`
	Account    identity.PublicKey `json:"account"`
	FilePath   string             `json:"filePath"`
	Image      mls.Image          `json:"image"`
	MimeType   string             `json:"mimeType"`
	MediaType  string             `json:"mediaType"`
	BlobURL    string             `json:"blobUrl"`
	Metadata   FileMetadata       `json:"metadata"`
	CreatedAt  time.Time          `json:"createdAt"`
}

// Manager uploads attachments and records them per account.
type Manager struct {
	kv    *versioned.KV
	blobs BlobStore
	rng   *fastRNG.StreamGenerator
	mux   sync.Mutex
}

// NewManager builds a media manager.
func NewManager(kv *versioned.KV, blobs BlobStore, rng *fastRNG.StreamGenerator) *Manager {
	return &Manager{kv: kv, blobs: blobs, rng: rng}
}

func (m *Manager) kvOf(account identity.PublicKey) *versioned.KV {
	return m.kv.Prefix(versioned.MakeAccountPrefix(account)).Prefix(mediaStoragePrefix)
}

func (m *Manager) load(account identity.PublicKey) ([]MediaFile, error) {
	var files []MediaFile
	kv := m.kvOf(account)
	if err := kv.GetJSON(mediaListKey, mediaListVersion, &files); err != nil &&
		kv.Exists(err) {
		return nil, errs.StorageErr(err, "failed to load media files of %s", account)
	}
	return files, nil
}

// Upload encrypts the data, stores it in the blob store and returns the
// reference needed to fetch and open it.
func (m *Manager) Upload(ctx context.Context, data []byte) (mls.Image, string, string, error) {
	mime := mimetype.Detect(data).String()
	stream := m.rng.GetStream()
	ciphertext, img, err := EncryptAttachment(data, stream)
	stream.Close()
	if err != nil {
		return mls.Image{}, "", "", err
	}
	url, err := m.blobs.Upload(ctx, ciphertext, mime)
	if err != nil {
		return mls.Image{}, "", "", err
	}
	return img, url, mime, nil
}

// UploadPublic stores the data in the blob store without encrypting it, for
// content anyone may fetch such as profile pictures.
func (m *Manager) UploadPublic(ctx context.Context, data []byte) (string, string, error) {
	mime := mimetype.Detect(data).String()
	url, err := m.blobs.Upload(ctx, data, mime)
	if err != nil {
		return "", "", err
	}
	return url, mime, nil
}

// Download fetches and decrypts an uploaded attachment.
func (m *Manager) Download(ctx context.Context, url string, img mls.Image) ([]byte, error) {
	ciphertext, err := m.blobs.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	return DecryptAttachment(ciphertext, img)
}

// UploadChatMedia reads a file, encrypts and uploads it and records it for
// the group.
func (m *Manager) UploadChatMedia(ctx context.Context, account identity.PublicKey,
	id mls.GroupID, path string) (MediaFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return MediaFile{}, errs.AsOther(err)
	}
	img, url, mime, err := m.Upload(ctx, data)
	if err != nil {
		return MediaFile{}, err
	}

	f := MediaFile{
		ID:         uuid.NewString(),
		MlsGroupID: id,
		Account:    account,
		FilePath:   path,
		Image:      img,
		MimeType:   mime,
		MediaType:  strings.SplitN(mime, "/", 2)[0],
		BlobURL:    url,
		Metadata: FileMetadata{
			OriginalFilename: filepath.Base(path),
			Dimensions:       Dimensions(data),
		},
		CreatedAt: netTime.Now(),
	}

	m.mux.Lock()
	defer m.mux.Unlock()
	files, err := m.load(account)
	if err != nil {
		return MediaFile{}, err
	}
	err = m.kvOf(account).SetJSON(mediaListKey, mediaListVersion, append(files, f))
	if err != nil {
		return MediaFile{}, errs.StorageErr(err, "failed to save media file %s", f.ID)
	}
	jww.INFO.Printf("[MEDIA] %s uploaded %s (%s) to group %s", account, f.ID,
		f.MimeType, id)
	return f, nil
}

// FetchMediaFiles returns the files the account uploaded to the group.
func (m *Manager) FetchMediaFiles(account identity.PublicKey, id mls.GroupID) ([]MediaFile, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	files, err := m.load(account)
	if err != nil {
		return nil, err
	}
	var out []MediaFile
	for _, f := range files {
		if f.MlsGroupID == id {
			out = append(out, f)
		}
	}
	return out, nil
}

// DeleteAccount drops the media records of the account.
func (m *Manager) DeleteAccount(account identity.PublicKey) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if err := m.kvOf(account).Delete(mediaListKey, mediaListVersion); err != nil {
		return errs.StorageErr(err, "failed to delete media files of %s", account)
	}
	return nil
}
