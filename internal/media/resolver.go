// Package media turns a game's image reference into something the bridge
// can send: a remote URL passed through, or a local file inlined as base64.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/park285/blackstories-bot/internal/connection"
)

var (
	ErrNotFound    = errors.New("image not found")
	ErrUnsupported = errors.New("unsupported image format")
	ErrOutsideRoot = errors.New("image path escapes uploads dir")
)

const (
	defaultMaxSide = 2048
	defaultSVGSide = 512
	jpegQuality    = 85
)

type Resolver struct {
	root    string
	maxSide int
}

type Option func(*Resolver)

// WithMaxSide caps the longest edge of inlined images; larger ones are
// scaled down and re-encoded as JPEG.
func WithMaxSide(px int) Option {
	return func(r *Resolver) {
		if px > 0 {
			r.maxSide = px
		}
	}
}

func NewResolver(uploadsDir string, opts ...Option) *Resolver {
	r := &Resolver{root: uploadsDir, maxSide: defaultMaxSide}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns nil for an empty ref. Refs starting with "http" are sent
// by URL; anything else is a path under the uploads dir.
func (r *Resolver) Resolve(ref string) (*connection.Media, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if strings.HasPrefix(strings.ToLower(ref), "http") {
		return &connection.Media{URL: ref}, nil
	}

	path, err := r.localPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.EqualFold(filepath.Ext(path), ".svg") {
		out, err := rasterizeSVG(data, defaultSVGSide)
		if err != nil {
			return nil, err
		}
		return inline(out, "image/png", base+".png"), nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, ref)
	}
	if cfg.Width > r.maxSide || cfg.Height > r.maxSide {
		out, err := r.shrink(data)
		if err != nil {
			return nil, err
		}
		return inline(out, "image/jpeg", base+".jpg"), nil
	}
	return inline(data, "image/"+format, filepath.Base(path)), nil
}

func (r *Resolver) localPath(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(ref, "/")))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, ref)
	}
	return filepath.Join(r.root, clean), nil
}

func inline(data []byte, mime, name string) *connection.Media {
	return &connection.Media{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
		Filename: name,
	}
}

func (r *Resolver) shrink(data []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = max(1, h*r.maxSide/w)
		w = r.maxSide
	} else {
		w = max(1, w*r.maxSide/h)
		h = r.maxSide
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// JPEG has no alpha; flatten onto white.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func rasterizeSVG(data []byte, side int) ([]byte, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(sanitizeSVG(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: parse svg: %v", ErrUnsupported, err)
	}

	w, h := side, side
	if icon.ViewBox.W > 0 && icon.ViewBox.H > 0 {
		h = int(float64(side) * icon.ViewBox.H / icon.ViewBox.W)
		if h <= 0 {
			h = 1
		}
	} else {
		icon.ViewBox.W, icon.ViewBox.H = float64(side), float64(side)
	}
	icon.SetTarget(0, 0, float64(w), float64(h))

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.Transparent), image.Point{}, draw.Src)
	scanner := rasterx.NewScannerGV(w, h, img, img.Bounds())
	raster := rasterx.NewDasher(w, h, scanner)
	icon.Draw(raster, 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// sanitizeSVG fixes color notations oksvg rejects.
func sanitizeSVG(svg []byte) []byte {
	fixed := bytes.ReplaceAll(svg, []byte("fill: #"), []byte("fill:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stroke: #"), []byte("stroke:#"))
	fixed = bytes.ReplaceAll(fixed, []byte("stop-color: #"), []byte("stop-color:#"))
	return fixed
}
