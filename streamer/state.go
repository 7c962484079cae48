package streamer

import "github.com/kestrelgfx/kestrel/rhi"

// Direction controls which end of a request's provided mip chain
// streaming starts from (§3 StreamRequestState).
type Direction int

// Streaming directions.
const (
	DirectionHighToLow Direction = iota // start at level 0 (largest provided), move toward smaller
	DirectionLowToHigh                  // start at the smallest provided level, move toward level 0
)

// StreamState is a request's resumable cursor through its mip chain.
// All mutable planning state lives here rather than inside the
// planner, so a request can be split across any number of transfer
// batches by carrying the same StreamState forward (§4.G, §4.H).
type StreamState struct {
	BaseMip      int
	Direction    Direction
	CurrentLevel int // a negative value makes PlanNext start at Direction's first level
	CurrentLayer int
	CurrentFace  int
	CurrentRow   int // block-rows of CurrentLevel already copied
}

// CopyRegionPlan is one bounded copy derived from a request's current
// stream position. Region is ready for rhi.CmdList.CopyBufToTex once
// the caller fills in Buf/BufOffset/Tex from its staging allocation.
type CopyRegionPlan struct {
	SrcOffset int64
	CopySize  int64
	Region    rhi.BufTexCopy
	// MipFinished reports whether Region completes CurrentLevel's last
	// row; Done reports whether it completes the request's entire
	// provided mip range (every layer/face of every provided level).
	MipFinished bool
	Done        bool
}

// PlanNext computes the next copy for a request whose providedMips
// levels are tightly packed, starting at byte 0, in the request's
// source buffer. state is read-only: PlanNext returns the advanced
// cursor as next rather than mutating state in place, so a caller can
// discard next and retry later (e.g. a staging reservation that
// didn't pan out) without losing progress. maxCopySize bounds a single
// call's copy size — typically the staging ring's page size. A level
// that doesn't fit at the current row is split into the largest
// row-aligned chunk (honoring the format's block height) that does;
// ok is false once state has already streamed past the last provided
// level.
func PlanNext(desc *rhi.TextureDesc, providedMips int, state StreamState, maxCopySize int64) (plan CopyRegionPlan, next StreamState, ok bool) {
	if providedMips > desc.MipLevels {
		providedMips = desc.MipLevels
	}
	if providedMips <= 0 {
		return CopyRegionPlan{}, state, false
	}
	if state.CurrentLevel < 0 {
		state.CurrentLevel = initialLevel(providedMips, state.Direction)
	}
	if !levelInRange(state.CurrentLevel, providedMips) {
		return CopyRegionPlan{}, state, false
	}

	block := desc.Format.Block()
	lvl := state.CurrentLevel
	lw := mipExtent(desc.Extent.Width, lvl)
	lh := mipExtent(desc.Extent.Height, lvl)
	ld := mipExtent(desc.Extent.Depth, lvl)
	blocksWide := (lw + block.Width - 1) / block.Width
	blocksHigh := (lh + block.Height - 1) / block.Height
	rowPitch := int64(blocksWide * block.Bytes)

	rowsRemaining := blocksHigh - state.CurrentRow
	if rowsRemaining <= 0 {
		rowsRemaining = blocksHigh
		state.CurrentRow = 0
	}

	maxRows := int(maxCopySize / (rowPitch * int64(ld)))
	if maxRows < 1 {
		maxRows = 1 // a single row that itself exceeds maxCopySize still makes progress; the caller falls back to an oversize allocation for it
	}
	rows := rowsRemaining
	if rows > maxRows {
		rows = maxRows
	}

	srcOff := levelByteOffset(desc, lvl) + rowPitch*int64(state.CurrentRow)*int64(ld)
	copySize := rowPitch * int64(rows) * int64(ld)
	yOffset := state.CurrentRow * block.Height
	height := rows * block.Height
	if yOffset+height > lh {
		height = lh - yOffset
	}

	mipFinished := rows >= rowsRemaining
	region := rhi.BufTexCopy{
		RowLength:   blocksWide * block.Width,
		ImageHeight: lh,
		Layer:       arrayIndex(desc, state),
		Level:       lvl,
		TexOffset:   rhi.Off3D{Y: yOffset},
		Extent:      rhi.Dim3D{Width: lw, Height: height, Depth: ld},
	}

	next = state
	if mipFinished {
		next.CurrentRow = 0
		advanceRequestState(desc, &next)
	} else {
		next.CurrentRow += rows
	}

	done := mipFinished && !levelInRange(next.CurrentLevel, providedMips)
	plan = CopyRegionPlan{SrcOffset: srcOff, CopySize: copySize, Region: region, MipFinished: mipFinished, Done: done}
	return plan, next, true
}

func initialLevel(providedMips int, dir Direction) int {
	if dir == DirectionLowToHigh {
		return providedMips - 1
	}
	return 0
}

func levelInRange(lvl, providedMips int) bool {
	return lvl >= 0 && lvl < providedMips
}

// arrayIndex resolves the array layer a copy targets: cubemaps index
// by face, everything else by array layer.
func arrayIndex(desc *rhi.TextureDesc, state StreamState) int {
	if desc.Type == rhi.TexCube {
		return state.CurrentFace
	}
	return state.CurrentLayer
}

// advanceRequestState moves across layer/face then level boundaries
// once a level is fully copied, honoring direction: LowToHigh
// decreases CurrentLevel, HighToLow increases it (§4.H).
func advanceRequestState(desc *rhi.TextureDesc, state *StreamState) {
	layers := desc.ArrayLayers
	if layers < 1 {
		layers = 1
	}
	if desc.Type == rhi.TexCube {
		state.CurrentFace++
		if state.CurrentFace < layers {
			return
		}
		state.CurrentFace = 0
	} else {
		state.CurrentLayer++
		if state.CurrentLayer < layers {
			return
		}
		state.CurrentLayer = 0
	}
	if state.Direction == DirectionLowToHigh {
		state.CurrentLevel--
	} else {
		state.CurrentLevel++
	}
}

// levelByteOffset returns lvl's byte offset within a tightly packed
// source buffer holding levels [0, providedMips).
func levelByteOffset(desc *rhi.TextureDesc, lvl int) int64 {
	block := desc.Format.Block()
	var off int64
	for l := 0; l < lvl; l++ {
		lw := mipExtent(desc.Extent.Width, l)
		lh := mipExtent(desc.Extent.Height, l)
		ld := mipExtent(desc.Extent.Depth, l)
		bw := (lw + block.Width - 1) / block.Width
		bh := (lh + block.Height - 1) / block.Height
		off += int64(bw*block.Bytes) * int64(bh) * int64(ld)
	}
	return off
}
