package rle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Format describes an interleaved pixel buffer: Components bytes per
// pixel, the last of them alpha when Alpha is set.
type Format struct {
	Components int
	Alpha      bool
}

var (
	RGBA = Format{Components: 4, Alpha: true}
	RGB  = Format{Components: 3}
)

const maxComponents = 16

func (f Format) valid() bool {
	return f.Components > 0 && f.Components <= maxComponents && (!f.Alpha || f.Components > 1)
}

// Compressed holds one encoded region per transmitted channel.
type Compressed struct {
	Header     Header
	Components int
	Planes     [][]byte
}

// Compress splits pixels into per-component planes and encodes each plane
// on its own goroutine. Without useAlpha the alpha plane of an Alpha
// format is not transmitted; decompression then writes 0xff.
func Compress(ctx context.Context, pixels []byte, format Format, useAlpha bool) (*Compressed, error) {
	if !format.valid() || len(pixels)%format.Components != 0 {
		return nil, fmt.Errorf("%w: %d bytes as %+v", ErrBadFormat, len(pixels), format)
	}
	useAlpha = useAlpha && format.Alpha
	planes := format.Components
	if format.Alpha && !useAlpha {
		planes--
	}
	res := &Compressed{
		Header:     Header{Size: uint64(len(pixels)), UseAlpha: useAlpha},
		Components: format.Components,
		Planes:     make([][]byte, planes),
	}
	npix := len(pixels) / format.Components

	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < planes; c++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plane := make([]byte, npix)
			for i := range plane {
				plane[i] = pixels[i*format.Components+c]
			}
			res.Planes[c] = AppendEncoded(make([]byte, 0, npix), plane)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	bytesIn.WithLabelValues("pixels").Add(float64(len(pixels)))
	for _, p := range res.Planes {
		bytesOut.WithLabelValues("pixels").Add(float64(len(p)))
	}
	return res, nil
}

// Decompress writes the pixels of c into dst, which must hold exactly
// Header.Size bytes in format.
func Decompress(ctx context.Context, dst []byte, c *Compressed, format Format) error {
	if !format.valid() || format.Components != c.Components {
		return fmt.Errorf("%w: stream has %d components, want %+v", ErrBadFormat, c.Components, format)
	}
	if uint64(len(dst)) != c.Header.Size {
		return &CodecError{Op: "decompress", Err: fmt.Errorf("%w: %d byte destination for %d bytes",
			ErrSizeMismatch, len(dst), c.Header.Size)}
	}
	if len(dst)%format.Components != 0 {
		return fmt.Errorf("%w: size %d", ErrBadFormat, len(dst))
	}
	planes := format.Components
	if format.Alpha && !c.Header.UseAlpha {
		planes--
	}
	if len(c.Planes) != planes {
		return fmt.Errorf("%w: %d planes, want %d", ErrBadFormat, len(c.Planes), planes)
	}
	npix := len(dst) / format.Components

	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < planes; p++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			plane := make([]byte, npix)
			if err := DecodeExact(plane, c.Planes[p], npix); err != nil {
				var cerr *CodecError
				if errors.As(err, &cerr) {
					cerr.Channel = p
				}
				return err
			}
			for i, v := range plane {
				dst[i*format.Components+p] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if planes < format.Components {
		for i := format.Components - 1; i < len(dst); i += format.Components {
			dst[i] = 0xff
		}
	}
	return nil
}

// MarshalBinary lays out the header, the component count and each plane
// prefixed with its uvarint length.
func (c *Compressed) MarshalBinary() ([]byte, error) {
	size := HeaderLen + 1
	for _, p := range c.Planes {
		size += binary.MaxVarintLen64 + len(p)
	}
	out := c.Header.AppendBinary(make([]byte, 0, size))
	out = append(out, byte(c.Components))
	for _, p := range c.Planes {
		out = binary.AppendUvarint(out, uint64(len(p)))
		out = append(out, p...)
	}
	return out, nil
}

func ParseCompressed(data []byte) (*Compressed, error) {
	h, rest, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, ErrBadHeader
	}
	c := &Compressed{Header: h, Components: int(rest[0])}
	rest = rest[1:]
	for len(rest) > 0 {
		l, n := binary.Uvarint(rest)
		if n <= 0 || l > uint64(len(rest)-n) {
			return nil, &CodecError{Op: "parse", Channel: len(c.Planes), Err: ErrCorrupt}
		}
		c.Planes = append(c.Planes, rest[n:n+int(l)])
		rest = rest[n+int(l):]
	}
	return c, nil
}
