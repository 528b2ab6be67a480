// Package imaging validates inbound image attachments and probes their
// pixel dimensions. Only PNG, JPEG, WEBP and static GIF are accepted.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/gif"
	_ "image/jpeg" // register decoders for image.DecodeConfig
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// Probe is the result of validating one image.
type Probe struct {
	Format string // "png", "jpeg", "webp", "gif"
	Width  int
	Height int
}

// magic prefixes for the accepted formats.
var (
	magicPNG  = []byte{0x89, 'P', 'N', 'G'}
	magicJPEG = []byte{0xFF, 0xD8, 0xFF}
	magicGIF  = []byte("GIF8")
	magicRIFF = []byte("RIFF")
)

// Sniff identifies the container by magic bytes. Returns "" for anything
// not in the accepted set.
func Sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicPNG):
		return "png"
	case bytes.HasPrefix(data, magicJPEG):
		return "jpeg"
	case bytes.HasPrefix(data, magicGIF):
		return "gif"
	case bytes.HasPrefix(data, magicRIFF) && len(data) >= 12 && string(data[8:12]) == "WEBP":
		return "webp"
	default:
		return ""
	}
}

// Validate sniffs and decodes the image header, rejecting unsupported
// formats and animated GIFs.
func Validate(data []byte) (Probe, error) {
	format := Sniff(data)
	if format == "" {
		return Probe{}, fmt.Errorf("%w: unrecognized format", gateway.ErrBadImage)
	}

	if format == "gif" {
		// Full decode: the frame count decides animated vs static.
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return Probe{}, fmt.Errorf("%w: %v", gateway.ErrBadImage, err)
		}
		if len(g.Image) > 1 {
			return Probe{}, fmt.Errorf("%w: animated gif", gateway.ErrBadImage)
		}
		return Probe{Format: format, Width: g.Config.Width, Height: g.Config.Height}, nil
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Probe{}, fmt.Errorf("%w: %v", gateway.ErrBadImage, err)
	}
	if name != format {
		return Probe{}, fmt.Errorf("%w: container/body mismatch", gateway.ErrBadImage)
	}
	return Probe{Format: name, Width: cfg.Width, Height: cfg.Height}, nil
}

// DecodeDataURL parses a "data:image/...;base64," payload and validates
// the decoded bytes.
func DecodeDataURL(u string) ([]byte, Probe, error) {
	rest, ok := strings.CutPrefix(u, "data:image/")
	if !ok {
		return nil, Probe{}, fmt.Errorf("%w: not a data:image URL", gateway.ErrBadImage)
	}
	_, b64, ok := strings.Cut(rest, ";base64,")
	if !ok {
		return nil, Probe{}, fmt.Errorf("%w: missing base64 payload", gateway.ErrBadImage)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, Probe{}, fmt.Errorf("%w: %v", gateway.ErrBadImage, err)
	}
	p, err := Validate(data)
	if err != nil {
		return nil, Probe{}, err
	}
	return data, p, nil
}
