// Package raster holds the in-memory image artifact for one registration
// job and the imagick-backed load/encode paths around it.
package raster

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Stack is a decoded multi-frame raster. Frames are single-channel
// intensity planes in row-major order, kept in ImageMagick's normalized
// float scale so values round-trip exactly through encode. Depth records
// the source bits per sample and must not change between load and write.
type Stack struct {
	Width  int
	Height int
	Depth  uint
	Frames [][]float32
}

// FrameCount returns the number of frames in the stack.
func (s *Stack) FrameCount() int {
	if s == nil {
		return 0
	}
	return len(s.Frames)
}

// Release drops the pixel planes. The stack is unusable afterwards.
func (s *Stack) Release() {
	if s == nil {
		return
	}
	s.Frames = nil
}

// Load decodes every frame of the image at path. No intensity rescaling is
// applied on any conversion performed during load: pixel values are
// exported in the decoder's own quantum scale, so the artifact is a
// faithful representation of the source file.
func Load(path string) (*Stack, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image %s: %v", path, err)
	}

	n := int(mw.GetNumberImages())
	if n == 0 {
		return nil, fmt.Errorf("no frames decoded from %s", path)
	}

	stack := &Stack{}
	mw.ResetIterator()
	for mw.NextImage() {
		w := int(mw.GetImageWidth())
		h := int(mw.GetImageHeight())
		if len(stack.Frames) == 0 {
			stack.Width = w
			stack.Height = h
			stack.Depth = mw.GetImageDepth()
		} else if w != stack.Width || h != stack.Height {
			return nil, fmt.Errorf("stack frames must share dimensions: frame %d is %dx%d, expected %dx%d",
				len(stack.Frames), w, h, stack.Width, stack.Height)
		}

		raw, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "I", imagick.PIXEL_FLOAT)
		if err != nil {
			return nil, fmt.Errorf("failed to export pixels from frame %d: %v", len(stack.Frames), err)
		}
		plane, ok := raw.([]float32)
		if !ok {
			return nil, fmt.Errorf("unexpected pixel export type %T", raw)
		}
		stack.Frames = append(stack.Frames, plane)
	}

	if len(stack.Frames) != n {
		return nil, fmt.Errorf("decoded %d of %d frames from %s", len(stack.Frames), n, path)
	}
	return stack, nil
}

// EncodeTIFF writes the stack to path as a multi-frame TIFF with the bit
// depth recorded at load time. The caller owns overwrite semantics; this
// function only encodes.
func EncodeTIFF(s *Stack, path string) error {
	if s.FrameCount() == 0 {
		return fmt.Errorf("empty stack")
	}

	imagick.Initialize()
	defer imagick.Terminate()

	out := imagick.NewMagickWand()
	defer out.Destroy()

	bg := imagick.NewPixelWand()
	defer bg.Destroy()
	_ = bg.SetColor("black")

	for i, plane := range s.Frames {
		fw := imagick.NewMagickWand()
		if err := fw.NewImage(uint(s.Width), uint(s.Height), bg); err != nil {
			fw.Destroy()
			return fmt.Errorf("failed to allocate frame %d: %v", i, err)
		}
		if err := fw.ImportImagePixels(0, 0, uint(s.Width), uint(s.Height), "I", imagick.PIXEL_FLOAT, plane); err != nil {
			fw.Destroy()
			return fmt.Errorf("failed to import pixels for frame %d: %v", i, err)
		}
		if err := fw.SetImageDepth(s.Depth); err != nil {
			fw.Destroy()
			return fmt.Errorf("failed to set bit depth on frame %d: %v", i, err)
		}
		if err := out.AddImage(fw); err != nil {
			fw.Destroy()
			return fmt.Errorf("failed to append frame %d: %v", i, err)
		}
		fw.Destroy()
	}

	// 32-bit sources are floating-point phase maps; keep them that way
	// instead of quantizing to integer samples.
	if s.Depth == 32 {
		if err := out.SetOption("quantum:format", "floating-point"); err != nil {
			return fmt.Errorf("failed to set float quantum format: %v", err)
		}
	}

	out.ResetIterator()
	if err := out.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("failed to set TIFF format: %v", err)
	}
	if err := out.WriteImages(path, true); err != nil {
		return fmt.Errorf("failed to write %s: %v", path, err)
	}
	return nil
}
