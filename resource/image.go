// Package resource holds the typed values produced by the Mutable VM:
// images, meshes, instances and the small value types carried by
// operations (colours, matrices, projectors, layouts).
package resource

import "fmt"

// Resource is a heavy payload tracked by the working memory manager.
type Resource interface {
	DataSize() int
}

// Format is the pixel format of an image.
type Format uint8

const (
	FormatNone Format = iota
	FormatL8
	FormatRGB8
	FormatRGBA8
	FormatBGRA8
)

var formatNames = [...]string{"none", "L8", "RGB8", "RGBA8", "BGRA8"}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return fmt.Sprintf("format(%d)", f)
}

// BytesPerPixel returns the size of one pixel, or 0 for FormatNone.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatL8:
		return 1
	case FormatRGB8:
		return 3
	case FormatRGBA8, FormatBGRA8:
		return 4
	}
	return 0
}

// HasAlpha reports whether the last channel of the format is alpha.
func (f Format) HasAlpha() bool {
	return f == FormatRGBA8 || f == FormatBGRA8
}

// ImageDesc describes the shape of an image without its pixels.
type ImageDesc struct {
	SizeX  uint16
	SizeY  uint16
	LODs   uint8
	Format Format
}

// LODSize returns the dimensions of a mip level.
func (d ImageDesc) LODSize(lod int) (int, int) {
	w := int(d.SizeX) >> lod
	h := int(d.SizeY) >> lod
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// DataSize is the number of bytes needed for all LODs.
func (d ImageDesc) DataSize() int {
	bpp := d.Format.BytesPerPixel()
	total := 0
	for l := 0; l < int(d.LODs); l++ {
		w, h := d.LODSize(l)
		total += w * h * bpp
	}
	return total
}

// MaxLODs returns the full mip chain length for the given size.
func MaxLODs(sizeX, sizeY uint16) uint8 {
	n := uint8(1)
	for sizeX > 1 || sizeY > 1 {
		sizeX >>= 1
		sizeY >>= 1
		n++
	}
	return n
}

// Image is a pixel buffer with an optional mip chain stored
// contiguously, largest LOD first.
type Image struct {
	ImageDesc
	Data []byte

	// ReferenceID is set for images that only name an external
	// resource and carry no pixels.
	ReferenceID uint32
}

// NewImage allocates a zeroed image.
func NewImage(sizeX, sizeY uint16, lods uint8, format Format) *Image {
	if lods == 0 {
		lods = 1
	}
	desc := ImageDesc{SizeX: sizeX, SizeY: sizeY, LODs: lods, Format: format}
	return &Image{ImageDesc: desc, Data: make([]byte, desc.DataSize())}
}

// NewReferenceImage returns a pixel-less image naming an external resource.
func NewReferenceImage(id uint32) *Image {
	return &Image{ReferenceID: id}
}

// Placeholder is the image returned when generation fails.
func Placeholder() *Image {
	img := NewImage(16, 16, 1, FormatRGBA8)
	for i := 3; i < len(img.Data); i += 4 {
		img.Data[i] = 255
	}
	return img
}

// Desc returns the image descriptor.
func (img *Image) Desc() ImageDesc {
	if img == nil {
		return ImageDesc{}
	}
	return img.ImageDesc
}

// DataSize implements Resource.
func (img *Image) DataSize() int {
	if img == nil {
		return 0
	}
	return len(img.Data)
}

// IsReference reports whether the image only names an external resource.
func (img *Image) IsReference() bool {
	return img.ReferenceID != 0 && len(img.Data) == 0
}

// LODOffset returns the byte offset of a mip level.
func (img *Image) LODOffset(lod int) int {
	bpp := img.Format.BytesPerPixel()
	off := 0
	for l := 0; l < lod; l++ {
		w, h := img.LODSize(l)
		off += w * h * bpp
	}
	return off
}

// LOD returns the pixels of one mip level.
func (img *Image) LOD(lod int) []byte {
	w, h := img.LODSize(lod)
	off := img.LODOffset(lod)
	return img.Data[off : off+w*h*img.Format.BytesPerPixel()]
}

// Clone returns a deep copy.
func (img *Image) Clone() *Image {
	if img == nil {
		return nil
	}
	c := *img
	c.Data = append([]byte(nil), img.Data...)
	return &c
}

// Clear zeroes every pixel.
func (img *Image) Clear() {
	clear(img.Data)
}

// SkipMips returns a copy of the image without its n largest LODs.
// The last LOD is always kept.
func (img *Image) SkipMips(n int) *Image {
	if n <= 0 || img.LODs <= 1 {
		return img.Clone()
	}
	if n >= int(img.LODs) {
		n = int(img.LODs) - 1
	}
	w, h := img.LODSize(n)
	out := NewImage(uint16(w), uint16(h), img.LODs-uint8(n), img.Format)
	copy(out.Data, img.Data[img.LODOffset(n):])
	return out
}

// Matches reports whether an image can be reused for the given shape.
func (img *Image) Matches(sizeX, sizeY uint16, lods uint8, format Format) bool {
	return img.SizeX == sizeX && img.SizeY == sizeY && img.LODs == lods && img.Format == format
}
