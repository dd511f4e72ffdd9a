// Package emu implements the NPM emulator process: a single-client Unix-socket server that
// services the wire protocol, executes matmul on shared memory, and accounts DMA traffic and
// cycles against a configurable hardware model.
package emu

import (
	"bufio"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/device"
	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/shm"
	"github.com/frank-ceva/npmemu/trace"
)

// serverBuffer is the per-handle record: where the buffer lives in the client's arena.
// Flags are advisory placement hints and do not affect correctness.
type serverBuffer struct {
	shmOffset uint64
	size      uint64
	flags     uint32
}

// Server accepts one client at a time and services its commands serially. Session state
// (arena attachment, handle table) lives from HELLO to disconnect; the hardware model
// (memory hierarchy, DMA) persists across sessions but resets per kernel.
type Server struct {
	config     Config
	skuCfg     *device.SKUConfig
	numEngines int
	l1Size     uint64
	l2Size     uint64

	listener net.Listener
	shutdown atomic.Bool
	done     chan struct{}

	traceCtx  *trace.Context
	traceFile *os.File

	mem *Hierarchy
	dma *DMAModel

	// Session state, valid between accept and disconnect.
	connMu  sync.Mutex
	conn    net.Conn
	arena   *shm.Arena
	buffers map[uint64]serverBuffer

	nextHandle  uint64
	nextFenceID uint64

	totalMatMulOps uint64
}

// NewServer validates the configuration, builds the hardware model, and binds the listening
// socket (removing any stale socket file first).
func NewServer(config Config) (*Server, error) {
	skuCfg := config.SKU.Config()
	if skuCfg == nil {
		return nil, errors.Errorf("unknown SKU %d", config.SKU)
	}

	s := &Server{
		config:      config,
		done:        make(chan struct{}),
		skuCfg:      skuCfg,
		numEngines:  skuCfg.NumEngines,
		l1Size:      skuCfg.L1Size,
		l2Size:      config.effectiveL2Size(skuCfg),
		buffers:     make(map[uint64]serverBuffer),
		nextHandle:  1,
		nextFenceID: 1,
	}

	traceConfig := trace.Config{Categories: config.TraceCategories, FlushImmediate: true}
	if config.TraceFile != "" {
		f, err := os.Create(config.TraceFile)
		if err != nil {
			klog.Warningf("could not open trace file %s, using stdout: %v", config.TraceFile, err)
		} else {
			s.traceFile = f
			traceConfig.Output = bufio.NewWriter(f)
		}
	}
	s.traceCtx = trace.New(&traceConfig)

	s.mem = NewHierarchy(s.numEngines, s.l1Size, s.l2Size)
	s.dma = NewDMAModel(config.DMA)
	s.dma.SetTraceContext(s.traceCtx)

	_ = os.Remove(config.SocketPath)
	listener, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		s.closeTrace()
		return nil, errors.Wrapf(err, "binding emulator socket %s", config.SocketPath)
	}
	s.listener = listener
	return s, nil
}

// SKU returns the configured SKU.
func (s *Server) SKU() device.SKU { return s.config.SKU }

// NumEngines returns the modeled engine count.
func (s *Server) NumEngines() int { return s.numEngines }

// L1Size returns the per-engine L1 size in bytes.
func (s *Server) L1Size() uint64 { return s.l1Size }

// L2Size returns the effective shared L2 size in bytes.
func (s *Server) L2Size() uint64 { return s.l2Size }

// SocketPath returns the bound socket path.
func (s *Server) SocketPath() string { return s.config.SocketPath }

// TotalMatMulOps returns the number of matmul dispatches served since startup.
func (s *Server) TotalMatMulOps() uint64 { return s.totalMatMulOps }

// Run accepts clients until Shutdown. Each accepted connection is serviced to completion
// before the next accept. The listener uses the system's default backlog, so more than one
// client can wait to be accepted.
func (s *Server) Run() error {
	defer close(s.done)
	for !s.shutdown.Load() {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accepting emulator client")
		}
		klog.Infof("client connected")
		s.setConn(conn)
		s.serveClient(conn)
		klog.Infof("client disconnected (matmul ops: %d)", s.totalMatMulOps)
		s.teardownSession()
	}
	return nil
}

// Shutdown requests the server to stop after the current message, unblocking any pending
// accept or read. Safe to call from a signal handler goroutine.
func (s *Server) Shutdown() {
	if s.shutdown.Swap(true) {
		return
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
}

// Close releases all server resources: listener, session, trace sink. The net package unlinks
// the socket file when the Unix listener closes. When Run is active on another goroutine,
// Close waits for it to drain before tearing session state down.
func (s *Server) Close() {
	s.Shutdown()
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
	s.teardownSession()
	s.closeTrace()
}

func (s *Server) closeTrace() {
	s.traceCtx.Close()
	if s.traceFile != nil {
		_ = s.traceFile.Close()
		s.traceFile = nil
	}
}

func (s *Server) setConn(conn net.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// teardownSession drops all per-client state. Handles restart at 1 for the next session, so
// stale handles from a previous client can never resolve.
func (s *Server) teardownSession() {
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
	if s.arena != nil {
		s.arena.Destroy() // attached, not owned: only unmaps
		s.arena = nil
	}
	clear(s.buffers)
	s.nextHandle = 1
	s.nextFenceID = 1
}

// serveClient runs the per-connection request loop until disconnect, GOODBYE, or shutdown.
func (s *Server) serveClient(conn net.Conn) {
	for !s.shutdown.Load() {
		hdr, err := protocol.ReadRawHeader(conn)
		if err != nil {
			return // client disconnected
		}
		if hdr.Magic != protocol.Magic {
			klog.Errorf("invalid message header: magic 0x%08X", hdr.Magic)
			return
		}
		if hdr.VersionMajor != protocol.VersionMajor {
			// A structured refusal for HELLO; anything else on a mismatched major is fatal.
			_ = protocol.DiscardPayload(conn, &hdr)
			if protocol.Cmd(hdr.Cmd) == protocol.CmdHello {
				rsp := protocol.HelloRsp{
					Status:       uint8(protocol.StatusVersionMismatch),
					VersionMajor: protocol.VersionMajor,
					VersionMinor: protocol.VersionMinor,
				}
				_ = protocol.WriteMessage(conn, protocol.CmdHello, hdr.SeqID, &rsp)
			}
			klog.Errorf("protocol major version mismatch: client %d, server %d",
				hdr.VersionMajor, protocol.VersionMajor)
			return
		}

		switch protocol.Cmd(hdr.Cmd) {
		case protocol.CmdHello:
			if !s.handleHello(conn, &hdr) {
				return
			}
		case protocol.CmdGoodbye:
			s.handleGoodbye(conn, &hdr)
			return
		case protocol.CmdPing:
			if !s.handlePing(conn, &hdr) {
				return
			}
		case protocol.CmdGetConfig:
			if !s.handleGetConfig(conn, &hdr) {
				return
			}
		case protocol.CmdRegisterBuffer:
			if !s.handleRegisterBuffer(conn, &hdr) {
				return
			}
		case protocol.CmdUnregisterBuffer:
			if !s.handleUnregisterBuffer(conn, &hdr) {
				return
			}
		case protocol.CmdMatMul:
			if !s.handleMatMul(conn, &hdr) {
				return
			}
		case protocol.CmdSync:
			if !s.handleSync(conn, &hdr) {
				return
			}
		case protocol.CmdFenceCreate:
			if !s.handleFenceCreate(conn, &hdr) {
				return
			}
		case protocol.CmdFenceDestroy:
			if !s.handleFenceDestroy(conn, &hdr) {
				return
			}
		case protocol.CmdFenceWait:
			if !s.handleFenceWait(conn, &hdr) {
				return
			}
		default:
			klog.Errorf("unknown command: 0x%02X", hdr.Cmd)
			if protocol.DiscardPayload(conn, &hdr) != nil {
				return
			}
		}
	}
}

// respond writes a response message; a false return tears the session down.
func (s *Server) respond(conn net.Conn, cmd protocol.Cmd, seqID uint32, payload any) bool {
	if err := protocol.WriteMessage(conn, cmd, seqID, payload); err != nil {
		klog.Errorf("sending %s response: %v", cmd, err)
		return false
	}
	return true
}

func (s *Server) deviceInfoRsp(status protocol.Status) protocol.HelloRsp {
	return protocol.HelloRsp{
		Status:       uint8(status),
		VersionMajor: protocol.VersionMajor,
		VersionMinor: protocol.VersionMinor,
		SKU:          uint32(s.config.SKU),
		NumEngines:   uint32(s.numEngines),
		L1Size:       s.l1Size,
		L2Size:       s.l2Size,
	}
}
