////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/elixxir/crypto/fastRNG"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/crypto/csprng"

	"gitlab.com/elixxir/whitenoise/errs"
	"gitlab.com/elixxir/whitenoise/identity"
	"gitlab.com/elixxir/whitenoise/mls"
	"gitlab.com/elixxir/whitenoise/storage/versioned"
)

func testPNG(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEncryptAttachment_RoundTrip(t *testing.T) {
	prng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		plaintext := make([]byte, prng.Intn(4096))
		prng.Read(plaintext)

		ciphertext, img, err := EncryptAttachment(plaintext, prng)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, ciphertext)

		decrypted, err := DecryptAttachment(ciphertext, img)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, decrypted), "mismatch (%d)", i)
	}
}

func TestDecryptAttachment_Tampered(t *testing.T) {
	prng := rand.New(rand.NewSource(42))
	ciphertext, img, err := EncryptAttachment([]byte("secret"), prng)
	require.NoError(t, err)

	ciphertext[0] ^= 1
	_, err = DecryptAttachment(ciphertext, img)
	require.True(t, errs.Is(err, errs.InvalidKey), "%+v", err)

	ciphertext[0] ^= 1
	wrongKey := img
	wrongKey.Key = make([]byte, len(img.Key))
	_, err = DecryptAttachment(ciphertext, wrongKey)
	require.True(t, errs.Is(err, errs.InvalidKey), "%+v", err)
}

func TestPrepareGroupImage(t *testing.T) {
	big := testPNG(t, 1024, 256)
	scaled, format, err := PrepareGroupImage(big, 512)
	require.NoError(t, err)
	require.Equal(t, "png", format)
	require.Equal(t, "512x128", Dimensions(scaled))

	small := testPNG(t, 64, 64)
	same, _, err := PrepareGroupImage(small, 512)
	require.NoError(t, err)
	require.Equal(t, small, same)

	_, _, err = PrepareGroupImage([]byte("not an image"), 512)
	require.True(t, errs.Is(err, errs.InvalidEncoding))
}

func TestManager_UploadChatMedia(t *testing.T) {
	kv := versioned.NewKV(ekv.MakeMemstore())
	blobs := NewMemoryBlobStore()
	rng := fastRNG.NewStreamGenerator(4, 64, csprng.NewSystemRNG)
	m := NewManager(kv, blobs, rng)
	account := identity.PublicKey{1}
	group := mls.GroupID{2}
	ctx := context.Background()

	data := testPNG(t, 32, 16)
	path := filepath.Join(t.TempDir(), "cat.png")
	require.NoError(t, os.WriteFile(path, data, 0600))

	f, err := m.UploadChatMedia(ctx, account, group, path)
	require.NoError(t, err)
	require.NotEmpty(t, f.ID)
	require.Equal(t, "image/png", f.MimeType)
	require.Equal(t, "image", f.MediaType)
	require.Equal(t, "cat.png", f.Metadata.OriginalFilename)
	require.Equal(t, "32x16", f.Metadata.Dimensions)

	stored, err := blobs.Download(ctx, f.BlobURL)
	require.NoError(t, err)
	require.NotEqual(t, data, stored)

	plaintext, err := m.Download(ctx, f.BlobURL, f.Image)
	require.NoError(t, err)
	require.Equal(t, data, plaintext)

	files, err := m.FetchMediaFiles(account, group)
	require.NoError(t, err)
	require.Len(t, files, 1)
	other, err := m.FetchMediaFiles(account, mls.GroupID{3})
	require.NoError(t, err)
	require.Empty(t, other)

	require.NoError(t, m.DeleteAccount(account))
	files, err = m.FetchMediaFiles(account, group)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestMemoryBlobStore_Missing(t *testing.T) {
	s := NewMemoryBlobStore()
	_, err := s.Download(context.Background(), "memory://00")
	require.Error(t, err)
	_, err = s.Download(context.Background(), "https://example.com/x")
	require.True(t, errs.Is(err, errs.InvalidEncoding))
}
