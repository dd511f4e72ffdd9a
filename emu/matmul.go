package emu

import (
	"fmt"
	"math"
	"net"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/trace"
)

// f32View reinterprets arena bytes as a float32 slice. The arena outlives every dispatch, so
// the view is valid for the duration of the kernel.
func f32View(b []byte) []float32 {
	n := len(b) / int(unsafe.Sizeof(float32(0)))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), n)
}

// calculateTileSize picks the square tile dimension: the largest power of two T (minimum 32)
// such that the three FP32 tiles A, B and C together fit in one engine's L1.
func calculateTileSize(l1Size uint64) int64 {
	elements := l1Size / 4
	tileElements := elements / 3
	tileSize := int64(math.Sqrt(float64(tileElements)))
	if tileSize < 32 {
		tileSize = 32
	}
	pot := int64(1)
	for pot*2 <= tileSize {
		pot *= 2
	}
	return pot
}

// resolveF32 maps (handle, byte offset) to a float32 view of the client's arena, from the
// offset to the end of the registered buffer. Returns nil for unknown handles and
// out-of-bounds offsets.
func (s *Server) resolveF32(handle, offset uint64) []float32 {
	buf, found := s.buffers[handle]
	if !found || s.arena == nil || offset >= buf.size {
		return nil
	}
	raw, err := s.arena.Bytes(buf.shmOffset+offset, buf.size-offset)
	if err != nil {
		return nil
	}
	return f32View(raw)
}

func (s *Server) bufferSize(handle uint64) uint64 {
	return s.buffers[handle].size
}

func (s *Server) handleMatMul(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.MatMulReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("MATMUL: %v", err)
		return false
	}

	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(
			`{"M":%d,"N":%d,"K":%d,"a_handle":%d,"b_handle":%d,"c_handle":%d,`+
				`"a_size":%d,"b_size":%d,"c_size":%d,"destination":"NPM"}`,
			req.M, req.N, req.K, req.AHandle, req.BHandle, req.CHandle,
			s.bufferSize(req.AHandle), s.bufferSize(req.BHandle), s.bufferSize(req.CHandle))
		s.traceCommand(protocol.CmdMatMul, hdr.SeqID, protocol.StatusRequest, details)
	}
	if s.config.Verbose {
		klog.Infof("MATMUL M=%d N=%d K=%d (tiling=%v, timing=%v)",
			req.M, req.N, req.K, s.config.Tiling, s.config.Timing)
	}

	var tileSize int64
	if s.config.Tiling {
		tileSize = calculateTileSize(s.l1Size)
	}
	if s.traceCtx.Enabled(trace.Ops) {
		details := fmt.Sprintf(
			`{"tiling":%v,"timing":%v,"tile_size":%d,"l1_size":%d,"l2_size":%d}`,
			s.config.Tiling, s.config.Timing, tileSize, s.l1Size, s.l2Size)
		s.traceCtx.Op(trace.EventMatMulStart, req.M, req.N, req.K, 0, details)
	}

	status := protocol.StatusOK
	var totalCycles, totalDMABytes uint64

	a := s.resolveF32(req.AHandle, req.AOffset)
	b := s.resolveF32(req.BHandle, req.BOffset)
	c := s.resolveF32(req.CHandle, req.COffset)

	switch {
	case a == nil || b == nil || c == nil:
		status = protocol.StatusInvalidHandle
	case req.M <= 0 || req.N <= 0 || req.K <= 0 ||
		req.Lda < req.K || req.Ldb < req.K || req.Ldc < req.N:
		status = protocol.StatusInvalidParams
	case (req.M-1)*req.Lda+req.K > int64(len(a)) ||
		(req.N-1)*req.Ldb+req.K > int64(len(b)) ||
		(req.M-1)*req.Ldc+req.N > int64(len(c)):
		// The accessed range runs past the registered buffer.
		status = protocol.StatusInvalidHandle
	case s.config.Tiling:
		totalCycles, totalDMABytes = s.matMulTiled(&req, tileSize, a, b, c)
		s.totalMatMulOps++
	default:
		matMulNaive(&req, a, b, c)
		s.totalMatMulOps++
	}

	rsp := protocol.MatMulRsp{Status: uint8(status), Cycles: totalCycles, DMABytes: totalDMABytes}
	if !s.respond(conn, protocol.CmdMatMul, hdr.SeqID, &rsp) {
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdMatMul, hdr.SeqID, status,
			fmt.Sprintf(`{"cycles":%d,"dma_bytes":%d}`, rsp.Cycles, rsp.DMABytes))
	}
	return true
}

// matMulNaive is the canonical triple loop: C[m,n] = Σ_k A[m·lda+k] · B[n·ldb+k].
func matMulNaive(req *protocol.MatMulReq, a, b, c []float32) {
	for m := int64(0); m < req.M; m++ {
		for n := int64(0); n < req.N; n++ {
			var sum float32
			for k := int64(0); k < req.K; k++ {
				sum += a[m*req.Lda+k] * b[n*req.Ldb+k]
			}
			c[m*req.Ldc+n] = sum
		}
	}
}

// matMulTiled runs the tiled execution with DMA accounting and L1/L2 cache modeling. The
// floating-point math still reads the arena views directly; the staged copies exist so the
// hit/miss and transfer statistics reflect a real tiling schedule. Returns (cycles, dmaBytes);
// cycles is zero unless timing is enabled.
func (s *Server) matMulTiled(req *protocol.MatMulReq, tileSize int64, a, b, c []float32) (uint64, uint64) {
	fp32MACs := s.skuCfg.FP32MACs()
	if fp32MACs <= 0 {
		fp32MACs = 2000
	}

	s.dma.ResetStats()
	s.mem.Reset()

	if s.traceCtx.Enabled(trace.Ops) {
		numMTiles := (req.M + tileSize - 1) / tileSize
		numNTiles := (req.N + tileSize - 1) / tileSize
		numKTiles := (req.K + tileSize - 1) / tileSize
		details := fmt.Sprintf(
			`{"tile_size":%d,"num_m_tiles":%d,"num_n_tiles":%d,"num_k_tiles":%d,`+
				`"total_tiles":%d,"a_total_bytes":%d,"b_total_bytes":%d,"c_total_bytes":%d}`,
			tileSize, numMTiles, numNTiles, numKTiles, numMTiles*numNTiles,
			req.M*req.K*4, req.N*req.K*4, req.M*req.N*4)
		s.traceCtx.Op(trace.EventTilingPlan, req.M, req.N, req.K, 0, details)
	}

	for mTile := int64(0); mTile < req.M; mTile += tileSize {
		for nTile := int64(0); nTile < req.N; nTile += tileSize {
			actualM := min(tileSize, req.M-mTile)
			actualN := min(tileSize, req.N-nTile)

			// Zero the output tile before accumulating over K. Outer regions of C are
			// left untouched.
			for m := int64(0); m < actualM; m++ {
				for n := int64(0); n < actualN; n++ {
					c[(mTile+m)*req.Ldc+(nTile+n)] = 0
				}
			}

			for kTile := int64(0); kTile < req.K; kTile += tileSize {
				actualK := min(tileSize, req.K-kTile)

				aTileOffset := uint64(mTile*req.Lda+kTile) * 4
				aTileBytes := uint64(actualM*actualK) * 4
				bTileOffset := uint64(nTile*req.Ldb+kTile) * 4
				bTileBytes := uint64(actualN*actualK) * 4

				aL2Miss := s.stageTile(req.AHandle, req.AOffset, aTileOffset, aTileBytes)
				bL2Miss := s.stageTile(req.BHandle, req.BOffset, bTileOffset, bTileBytes)

				for m := int64(0); m < actualM; m++ {
					for n := int64(0); n < actualN; n++ {
						var sum float32
						for k := int64(0); k < actualK; k++ {
							sum += a[(mTile+m)*req.Lda+(kTile+k)] *
								b[(nTile+n)*req.Ldb+(kTile+k)]
						}
						c[(mTile+m)*req.Ldc+(nTile+n)] += sum
					}
				}

				var computeCycles uint64
				if s.config.Timing {
					ops := 2 * actualM * actualN * actualK
					computeCycles = uint64((ops + fp32MACs - 1) / fp32MACs)
					s.dma.AdvanceCycles(computeCycles)
				}

				if s.traceCtx.Enabled(trace.Ops) {
					details := fmt.Sprintf(
						`{"m_off":%d,"n_off":%d,"k_off":%d,`+
							`"actual_m":%d,"actual_n":%d,"actual_k":%d,`+
							`"a_tile_bytes":%d,"b_tile_bytes":%d,"a_l2_hit":%v,"b_l2_hit":%v}`,
						mTile, nTile, kTile, actualM, actualN, actualK,
						aTileBytes, bTileBytes, !aL2Miss, !bL2Miss)
					s.traceCtx.Op(trace.EventMatMulTile, actualM, actualN, actualK,
						computeCycles, details)
				}
			}

			// Output tile writeback: L1 -> L2 -> DDR.
			cTileBytes := uint64(actualM*actualN) * 4
			s.dma.Transfer(DMAL1ToL2, cTileBytes, 0)
			s.dma.Transfer(DMAL2ToDDR, cTileBytes, -1)
		}
	}

	totalDMABytes := s.dma.TotalBytes()
	var totalCycles uint64
	if s.config.Timing {
		totalCycles = s.dma.CurrentCycle()
	}

	if s.traceCtx.Enabled(trace.Ops) {
		details := fmt.Sprintf(`{"l2_hits":%d,"l2_misses":%d,"total_dma_bytes":%d,"tile_size":%d}`,
			s.mem.L2Hits(), s.mem.L2Misses(), totalDMABytes, tileSize)
		s.traceCtx.Op(trace.EventMatMulEnd, req.M, req.N, req.K, totalCycles, details)
	}
	if s.config.Verbose {
		klog.Infof("MATMUL tiled: %d bytes DMA, tile=%d, L2 hits=%d, misses=%d, cycles=%d",
			totalDMABytes, tileSize, s.mem.L2Hits(), s.mem.L2Misses(), totalCycles)
	}
	return totalCycles, totalDMABytes
}

// stageTile walks one input tile through the hierarchy: DDR -> L2 on miss (charging the system
// DMA lane), then unconditionally L2 -> engine 0's L1 (charging the engine lane). Returns
// whether the L2 stage missed.
func (s *Server) stageTile(handle, baseOffset, tileOffset, tileBytes uint64) bool {
	key := baseOffset + tileOffset

	ddr := s.tileBytes(handle, key, tileBytes)
	missesBefore := s.mem.L2Misses()
	s.mem.StageToL2(handle, key, ddr)
	l2Miss := s.mem.L2Misses() > missesBefore
	if l2Miss {
		s.dma.Transfer(DMADDRToL2, tileBytes, -1)
	}

	s.mem.StageToL1(0, handle, key, tileBytes)
	s.dma.Transfer(DMAL2ToL1, tileBytes, 0)
	return l2Miss
}

// tileBytes returns the DDR view of a tile, clipped to the registered buffer. Tiles of
// non-contiguous (lda > K) operands may extend past the last row's end; clipping keeps the
// accounting copy in bounds without affecting the modeled byte counts.
func (s *Server) tileBytes(handle, offset, size uint64) []byte {
	buf, found := s.buffers[handle]
	if !found || s.arena == nil || offset >= buf.size {
		return nil
	}
	if offset+size > buf.size {
		size = buf.size - offset
	}
	raw, err := s.arena.Bytes(buf.shmOffset+offset, size)
	if err != nil {
		return nil
	}
	return raw
}
