////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package media

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"strconv"

	"github.com/nfnt/resize"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/elixxir/whitenoise/errs"
)

// DefaultImageMaxDimension bounds the width and height of group images.
const DefaultImageMaxDimension = 512

// PrepareGroupImage decodes a JPEG or PNG image and scales it down so that
// neither side exceeds maxDimension. The result keeps the input format.
// Images that already fit are returned unchanged.
func PrepareGroupImage(data []byte, maxDimension uint) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errs.Wrap(errs.InvalidEncoding, err, "failed to decode image")
	}
	b := img.Bounds()
	if uint(b.Dx()) <= maxDimension && uint(b.Dy()) <= maxDimension {
		return data, format, nil
	}

	scaled := resize.Thumbnail(maxDimension, maxDimension, img, resize.Lanczos3)
	jww.DEBUG.Printf("[MEDIA] Scaled %s image from %dx%d to %dx%d", format,
		b.Dx(), b.Dy(), scaled.Bounds().Dx(), scaled.Bounds().Dy())

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, scaled, nil)
	default:
		format = "png"
		err = png.Encode(&buf, scaled)
	}
	if err != nil {
		return nil, "", errs.Wrap(errs.InvalidEncoding, err, "failed to encode %s image", format)
	}
	return buf.Bytes(), format, nil
}

// Dimensions returns "WxH" for a decodable image and "" otherwise.
func Dimensions(data []byte) string {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height)
}
