package resource

import (
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

// The kernels below run off the scheduler thread. They only touch the
// images passed to them.

// BlendType selects how a layer is combined with its base.
type BlendType uint8

const (
	BlendNormal BlendType = iota
	BlendMultiply
	BlendScreen
	BlendLighten
	BlendSoftLight
)

func blendChannel(b BlendType, base, top float32) float32 {
	switch b {
	case BlendMultiply:
		return base * top
	case BlendScreen:
		return 1 - (1-base)*(1-top)
	case BlendLighten:
		return max(base, top)
	case BlendSoftLight:
		return (1-2*top)*base*base + 2*top*base
	}
	return top
}

func toUnit(v byte) float32 { return float32(v) / 255 }

func fromUnit(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return byte(v*255 + 0.5)
}

// colourChannels returns how many leading channels hold colour, leaving
// alpha untouched.
func colourChannels(f Format) int {
	if f.HasAlpha() {
		return 3
	}
	return f.BytesPerPixel()
}

// maskAt returns the mask weight for a pixel, 1 when there is no mask.
func maskAt(mask *Image, x, y int) float32 {
	if mask == nil || len(mask.Data) == 0 {
		return 1
	}
	mx := min(x, int(mask.SizeX)-1)
	my := min(y, int(mask.SizeY)-1)
	bpp := mask.Format.BytesPerPixel()
	return toUnit(mask.Data[(my*int(mask.SizeX)+mx)*bpp])
}

// ConvertFormat writes src into dst, which must have the target format
// and the same size and LOD count.
func ConvertFormat(dst, src *Image) {
	sb := src.Format.BytesPerPixel()
	db := dst.Format.BytesPerPixel()
	for l := 0; l < int(min(dst.LODs, src.LODs)); l++ {
		s := src.LOD(l)
		d := dst.LOD(l)
		n := len(s) / sb
		for p := 0; p < n; p++ {
			r, g, b, a := readPixel(src.Format, s[p*sb:])
			writePixel(dst.Format, d[p*db:], r, g, b, a)
		}
	}
}

func readPixel(f Format, p []byte) (r, g, b, a byte) {
	switch f {
	case FormatL8:
		return p[0], p[0], p[0], 255
	case FormatRGB8:
		return p[0], p[1], p[2], 255
	case FormatRGBA8:
		return p[0], p[1], p[2], p[3]
	case FormatBGRA8:
		return p[2], p[1], p[0], p[3]
	}
	return 0, 0, 0, 0
}

func writePixel(f Format, p []byte, r, g, b, a byte) {
	switch f {
	case FormatL8:
		p[0] = byte((uint16(r)*77 + uint16(g)*150 + uint16(b)*29) >> 8)
	case FormatRGB8:
		p[0], p[1], p[2] = r, g, b
	case FormatRGBA8:
		p[0], p[1], p[2], p[3] = r, g, b, a
	case FormatBGRA8:
		p[0], p[1], p[2], p[3] = b, g, r, a
	}
}

// FillColour paints every LOD of img with c.
func FillColour(img *Image, c Color) {
	bpp := img.Format.BytesPerPixel()
	if bpp == 0 {
		return
	}
	px := make([]byte, bpp)
	writePixel(img.Format, px, fromUnit(c[0]), fromUnit(c[1]), fromUnit(c[2]), fromUnit(c[3]))
	for i := 0; i+bpp <= len(img.Data); i += bpp {
		copy(img.Data[i:], px)
	}
}

// LayerColour blends a flat colour over LOD 0 of base, weighted by mask.
func LayerColour(base, mask *Image, c Color, blend BlendType) {
	bpp := base.Format.BytesPerPixel()
	cc := colourChannels(base.Format)
	w, h := int(base.SizeX), int(base.SizeY)
	px := base.LOD(0)
	top := make([]byte, bpp)
	writePixel(base.Format, top, fromUnit(c[0]), fromUnit(c[1]), fromUnit(c[2]), fromUnit(c[3]))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := maskAt(mask, x, y)
			o := (y*w + x) * bpp
			for ch := 0; ch < cc; ch++ {
				b := toUnit(px[o+ch])
				v := blendChannel(blend, b, toUnit(top[ch]))
				px[o+ch] = fromUnit(b + (v-b)*m)
			}
		}
	}
}

// Layer blends LOD 0 of blended into base, weighted by mask. Pixels
// outside blended are left untouched.
func Layer(base, blended, mask *Image, blend BlendType) {
	if blended == nil || len(blended.Data) == 0 {
		return
	}
	bpp := base.Format.BytesPerPixel()
	tbpp := blended.Format.BytesPerPixel()
	cc := colourChannels(base.Format)
	w := min(int(base.SizeX), int(blended.SizeX))
	h := min(int(base.SizeY), int(blended.SizeY))
	px := base.LOD(0)
	top := blended.LOD(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := maskAt(mask, x, y)
			o := (y*int(base.SizeX) + x) * bpp
			r, g, b, _ := readPixel(blended.Format, top[(y*int(blended.SizeX)+x)*tbpp:])
			t := [3]byte{r, g, b}
			if base.Format == FormatBGRA8 {
				t = [3]byte{b, g, r}
			}
			for ch := 0; ch < cc; ch++ {
				tv := t[min(ch, 2)]
				if base.Format == FormatL8 {
					tv = byte((uint16(r)*77 + uint16(g)*150 + uint16(b)*29) >> 8)
				}
				bv := toUnit(px[o+ch])
				v := blendChannel(blend, bv, toUnit(tv))
				px[o+ch] = fromUnit(bv + (v-bv)*m)
			}
		}
	}
}

// GenerateMipmaps fills LODs 1..n-1 of img from LOD 0 with a box filter.
func GenerateMipmaps(img *Image) {
	bpp := img.Format.BytesPerPixel()
	for l := 1; l < int(img.LODs); l++ {
		sw, sh := img.LODSize(l - 1)
		dw, dh := img.LODSize(l)
		src := img.LOD(l - 1)
		dst := img.LOD(l)
		for y := 0; y < dh; y++ {
			for x := 0; x < dw; x++ {
				sx, sy := x*2, y*2
				sx1, sy1 := min(sx+1, sw-1), min(sy+1, sh-1)
				for ch := 0; ch < bpp; ch++ {
					sum := uint16(src[(sy*sw+sx)*bpp+ch]) +
						uint16(src[(sy*sw+sx1)*bpp+ch]) +
						uint16(src[(sy1*sw+sx)*bpp+ch]) +
						uint16(src[(sy1*sw+sx1)*bpp+ch])
					dst[(y*dw+x)*bpp+ch] = byte(sum / 4)
				}
			}
		}
	}
}

// Swizzle builds dst channel by channel: channel i is taken from channel
// channels[i] of sources[i]. Missing sources leave the channel at zero,
// or opaque for alpha.
func Swizzle(dst *Image, sources [4]*Image, channels [4]uint8) {
	dbpp := dst.Format.BytesPerPixel()
	w, h := int(dst.SizeX), int(dst.SizeY)
	out := dst.LOD(0)
	for ch := 0; ch < dbpp; ch++ {
		src := sources[ch]
		if src == nil || len(src.Data) == 0 {
			if dst.Format.HasAlpha() && ch == 3 {
				for p := 0; p < w*h; p++ {
					out[p*dbpp+ch] = 255
				}
			}
			continue
		}
		sbpp := src.Format.BytesPerPixel()
		sc := min(int(channels[ch]), sbpp-1)
		sp := src.LOD(0)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sx := min(x, int(src.SizeX)-1)
				sy := min(y, int(src.SizeY)-1)
				out[(y*w+x)*dbpp+ch] = sp[(sy*int(src.SizeX)+sx)*sbpp+sc]
			}
		}
	}
}

// Saturate scales colour saturation of every LOD by factor.
func Saturate(img *Image, factor float32) {
	if img.Format == FormatL8 {
		return
	}
	bpp := img.Format.BytesPerPixel()
	for i := 0; i+bpp <= len(img.Data); i += bpp {
		r, g, b := toUnit(img.Data[i]), toUnit(img.Data[i+1]), toUnit(img.Data[i+2])
		lum := 0.299*r + 0.587*g + 0.114*b
		img.Data[i] = fromUnit(lum + (r-lum)*factor)
		img.Data[i+1] = fromUnit(lum + (g-lum)*factor)
		img.Data[i+2] = fromUnit(lum + (b-lum)*factor)
	}
}

// Invert negates the colour channels of every LOD.
func Invert(img *Image) {
	bpp := img.Format.BytesPerPixel()
	cc := colourChannels(img.Format)
	for i := 0; i+bpp <= len(img.Data); i += bpp {
		for ch := 0; ch < cc; ch++ {
			img.Data[i+ch] = 255 - img.Data[i+ch]
		}
	}
}

// Interpolate writes a+(b-a)*t into dst. All three must share a shape.
func Interpolate(dst, a, b *Image, t float32) {
	n := min(len(dst.Data), len(a.Data), len(b.Data))
	for i := 0; i < n; i++ {
		av, bv := toUnit(a.Data[i]), toUnit(b.Data[i])
		dst.Data[i] = fromUnit(av + (bv-av)*t)
	}
}

// toStd wraps LOD 0 of img as a standard library image.
func toStd(img *Image) image.Image {
	w, h := int(img.SizeX), int(img.SizeY)
	rect := image.Rect(0, 0, w, h)
	switch img.Format {
	case FormatL8:
		return &image.Gray{Pix: img.LOD(0), Stride: w, Rect: rect}
	case FormatRGBA8:
		return &image.NRGBA{Pix: img.LOD(0), Stride: w * 4, Rect: rect}
	}
	out := image.NewNRGBA(rect)
	src := img.LOD(0)
	bpp := img.Format.BytesPerPixel()
	for p := 0; p < w*h; p++ {
		r, g, b, a := readPixel(img.Format, src[p*bpp:])
		out.Pix[p*4], out.Pix[p*4+1], out.Pix[p*4+2], out.Pix[p*4+3] = r, g, b, a
	}
	return out
}

// Resize scales LOD 0 of src into LOD 0 of dst with a Catmull-Rom
// filter, then rebuilds the mip chain of dst.
func Resize(dst, src *Image) {
	w, h := int(dst.SizeX), int(dst.SizeY)
	rect := image.Rect(0, 0, w, h)
	scaled := image.NewNRGBA(rect)
	xdraw.CatmullRom.Scale(scaled, rect, toStd(src), image.Rect(0, 0, int(src.SizeX), int(src.SizeY)), xdraw.Src, nil)
	out := dst.LOD(0)
	bpp := dst.Format.BytesPerPixel()
	for p := 0; p < w*h; p++ {
		o := p * 4
		writePixel(dst.Format, out[p*bpp:], scaled.Pix[o], scaled.Pix[o+1], scaled.Pix[o+2], scaled.Pix[o+3])
	}
	GenerateMipmaps(dst)
}

// Compose pastes LOD 0 of block into the rectangle of base covered by
// the layout block, scaling it to fit.
func Compose(base, block *Image, layout *Layout, blockIndex int) {
	if block == nil || len(block.Data) == 0 || layout == nil || blockIndex < 0 {
		return
	}
	b := layout.Blocks[blockIndex]
	gx := max(int(layout.Size[0]), 1)
	gy := max(int(layout.Size[1]), 1)
	cellW := int(base.SizeX) / gx
	cellH := int(base.SizeY) / gy
	rect := image.Rect(int(b.Min[0])*cellW, int(b.Min[1])*cellH,
		int(b.Min[0]+b.Size[0])*cellW, int(b.Min[1]+b.Size[1])*cellH)
	if rect.Empty() {
		return
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, int(base.SizeX), int(base.SizeY)))
	xdraw.Draw(canvas, canvas.Bounds(), toStd(base), image.Point{}, xdraw.Src)
	xdraw.ApproxBiLinear.Scale(canvas, rect, toStd(block), image.Rect(0, 0, int(block.SizeX), int(block.SizeY)), xdraw.Src, nil)
	out := base.LOD(0)
	bpp := base.Format.BytesPerPixel()
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			c := canvas.NRGBAAt(x, y)
			writePixel(base.Format, out[(y*int(base.SizeX)+x)*bpp:], c.R, c.G, c.B, c.A)
		}
	}
	GenerateMipmaps(base)
}

// ColorAt returns the pixel at (x, y) of LOD 0, mainly for tests.
func (img *Image) ColorAt(x, y int) color.NRGBA {
	bpp := img.Format.BytesPerPixel()
	r, g, b, a := readPixel(img.Format, img.Data[(y*int(img.SizeX)+x)*bpp:])
	return color.NRGBA{R: r, G: g, B: b, A: a}
}

// Std returns LOD 0 as a standard library image. RGBA8 and L8 images
// share their pixels with the result.
func (img *Image) Std() image.Image {
	if img.IsReference() || len(img.Data) == 0 {
		return image.NewNRGBA(image.Rect(0, 0, 0, 0))
	}
	return toStd(img)
}
