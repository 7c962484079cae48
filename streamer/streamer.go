// Package streamer plans the buffer-to-texture copies for one
// texture's upload: given a tightly packed CPU buffer containing some
// prefix of mip levels, it computes the per-level region and byte
// offset honoring block-compressed format alignment, and reports
// whether the graphics queue must synthesize the remaining mips.
package streamer

import "github.com/kestrelgfx/kestrel/rhi"

// LevelPlan describes one mip level's placement within the source
// buffer and its destination region in the texture.
type LevelPlan struct {
	Level     int
	BufOffset int64
	Extent    rhi.Dim3D
	RowPitch  int64 // bytes per row, block-aligned
}

// Plan is the full upload plan for one texture: every provided level's
// LevelPlan, plus whether mips past the last provided level must be
// generated (rather than uploaded) to fill out MipLevels.
type Plan struct {
	Levels                []LevelPlan
	NeedsMipmapGeneration bool
}

// BuildPlan computes a Plan for desc, given that providedMips
// contiguous levels starting at level 0 are present, tightly packed,
// in the source buffer starting at bufOffset. BuildPlan is a pure
// function of its arguments: it holds no state across calls, so the
// caller may invoke it from any goroutine before handing the result to
// the transfer worker.
func BuildPlan(desc *rhi.TextureDesc, providedMips int, bufOffset int64) Plan {
	if providedMips > desc.MipLevels {
		providedMips = desc.MipLevels
	}
	block := desc.Format.Block()
	levels := make([]LevelPlan, 0, providedMips)
	off := bufOffset
	w, h, d := desc.Extent.Width, desc.Extent.Height, desc.Extent.Depth
	for lvl := 0; lvl < providedMips; lvl++ {
		lw, lh, ld := mipExtent(w, lvl), mipExtent(h, lvl), mipExtent(d, lvl)
		blocksWide := (lw + block.Width - 1) / block.Width
		blocksHigh := (lh + block.Height - 1) / block.Height
		rowPitch := int64(blocksWide * block.Bytes)
		size := rowPitch * int64(blocksHigh) * int64(ld)
		levels = append(levels, LevelPlan{
			Level:     lvl,
			BufOffset: off,
			Extent:    rhi.Dim3D{Width: lw, Height: lh, Depth: ld},
			RowPitch:  rowPitch,
		})
		off += size
	}
	return Plan{
		Levels:                levels,
		NeedsMipmapGeneration: providedMips < desc.MipLevels,
	}
}

// mipExtent halves dim lvl times, floored at 1 (standard mip chain
// sizing), matching the way every mip level below the base shrinks.
func mipExtent(dim, lvl int) int {
	for i := 0; i < lvl; i++ {
		dim = dim / 2
		if dim < 1 {
			dim = 1
		}
	}
	return dim
}

// Copies converts a Plan into the BufTexCopy list CmdList.CopyBufToTex
// expects, targeting tex at the given array layer.
func Copies(plan Plan, buf rhi.Buffer, tex rhi.Texture, layer int) []rhi.BufTexCopy {
	out := make([]rhi.BufTexCopy, len(plan.Levels))
	for i, l := range plan.Levels {
		out[i] = rhi.BufTexCopy{
			Buf:       buf,
			BufOffset: l.BufOffset,
			Tex:       tex,
			Layer:     layer,
			Level:     l.Level,
			Extent:    l.Extent,
		}
	}
	return out
}
