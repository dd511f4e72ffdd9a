package emu

import (
	"fmt"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/frank-ceva/npmemu/protocol"
	"github.com/frank-ceva/npmemu/shm"
	"github.com/frank-ceva/npmemu/trace"
)

// Command handlers. Each reads its request payload, mutates session state, and writes the
// response; a false return means the transport died and the session must be torn down.
// Request traces carry status "REQ"; response traces carry the actual status byte.

func (s *Server) traceCommand(cmd protocol.Cmd, seqID uint32, status protocol.Status, details string) {
	s.traceCtx.Command(cmd.String(), seqID, status.TraceString(), details)
}

func (s *Server) handleHello(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.HelloReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("HELLO: %v", err)
		return false
	}
	shmName := protocol.ShmName(&req.ShmName)

	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(`{"version":"%d.%d","shm_name":%q,"shm_size":%d}`,
			req.VersionMajor, req.VersionMinor, shmName, req.ShmSize)
		s.traceCommand(protocol.CmdHello, hdr.SeqID, protocol.StatusRequest, details)
	}
	if s.config.Verbose {
		klog.Infof("HELLO from client v%d.%d, shm=%s size=%s",
			req.VersionMajor, req.VersionMinor, shmName, humanize.IBytes(req.ShmSize))
	}

	// A repeated HELLO on a live session replaces the attachment.
	if s.arena != nil {
		s.arena.Destroy()
		s.arena = nil
	}
	status := protocol.StatusOK
	arena, err := shm.Attach(shmName, req.ShmSize)
	if err != nil {
		klog.Errorf("HELLO: attaching shared memory %s: %v", shmName, err)
		status = protocol.StatusError
	} else {
		s.arena = arena
	}

	rsp := s.deviceInfoRsp(status)
	if !s.respond(conn, protocol.CmdHello, hdr.SeqID, &rsp) {
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(`{"sku":%q,"engines":%d,"l1_size":%d,"l2_size":%d}`,
			s.config.SKU, s.numEngines, s.l1Size, s.l2Size)
		s.traceCommand(protocol.CmdHello, hdr.SeqID, status, details)
	}
	return true
}

func (s *Server) handleGoodbye(conn net.Conn, hdr *protocol.Header) {
	s.traceCommand(protocol.CmdGoodbye, hdr.SeqID, protocol.StatusRequest, "")
	if s.config.Verbose {
		klog.Infof("GOODBYE from client")
	}

	if s.arena != nil {
		s.arena.Destroy()
		s.arena = nil
	}
	clear(s.buffers)

	rsp := protocol.GoodbyeRsp{Status: uint8(protocol.StatusOK)}
	_ = s.respond(conn, protocol.CmdGoodbye, hdr.SeqID, &rsp)
	s.traceCommand(protocol.CmdGoodbye, hdr.SeqID, protocol.StatusOK, "")
}

func (s *Server) handlePing(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.PingReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("PING: %v", err)
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(`{"echo_data":"0x%016x","timestamp":%d}`, req.EchoData, req.Timestamp)
		s.traceCommand(protocol.CmdPing, hdr.SeqID, protocol.StatusRequest, details)
	}

	rsp := protocol.PingRsp{
		Status:          uint8(protocol.StatusOK),
		ClientTimestamp: req.Timestamp,
		ServerTimestamp: uint64(time.Now().UnixNano()),
		EchoData:        req.EchoData,
	}
	if !s.respond(conn, protocol.CmdPing, hdr.SeqID, &rsp) {
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(`{"client_timestamp":%d,"server_timestamp":%d,"echo_data":"0x%016x"}`,
			rsp.ClientTimestamp, rsp.ServerTimestamp, rsp.EchoData)
		s.traceCommand(protocol.CmdPing, hdr.SeqID, protocol.StatusOK, details)
	}
	return true
}

func (s *Server) handleGetConfig(conn net.Conn, hdr *protocol.Header) bool {
	s.traceCommand(protocol.CmdGetConfig, hdr.SeqID, protocol.StatusRequest, "")
	rsp := s.deviceInfoRsp(protocol.StatusOK)
	if !s.respond(conn, protocol.CmdGetConfig, hdr.SeqID, &rsp) {
		return false
	}
	s.traceCommand(protocol.CmdGetConfig, hdr.SeqID, protocol.StatusOK, "")
	return true
}

func (s *Server) handleRegisterBuffer(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.RegisterBufferReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("REGISTER_BUFFER: %v", err)
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		details := fmt.Sprintf(`{"shm_offset":%d,"size":%d,"flags":"0x%x"}`,
			req.ShmOffset, req.Size, req.Flags)
		s.traceCommand(protocol.CmdRegisterBuffer, hdr.SeqID, protocol.StatusRequest, details)
	}

	status := protocol.StatusOK
	var handle uint64
	if s.arena == nil || req.Size == 0 || req.ShmOffset+req.Size > s.arena.Size() {
		status = protocol.StatusInvalidParams
	} else {
		handle = s.nextHandle
		s.nextHandle++
		s.buffers[handle] = serverBuffer{shmOffset: req.ShmOffset, size: req.Size, flags: req.Flags}
		if s.config.Verbose {
			klog.Infof("REGISTER_BUFFER offset=%d size=%d -> handle=%d", req.ShmOffset, req.Size, handle)
		}
	}

	rsp := protocol.RegisterBufferRsp{Status: uint8(status), Handle: handle}
	if !s.respond(conn, protocol.CmdRegisterBuffer, hdr.SeqID, &rsp) {
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdRegisterBuffer, hdr.SeqID, status,
			fmt.Sprintf(`{"handle":%d}`, handle))
	}
	return true
}

func (s *Server) handleUnregisterBuffer(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.UnregisterBufferReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("UNREGISTER_BUFFER: %v", err)
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdUnregisterBuffer, hdr.SeqID, protocol.StatusRequest,
			fmt.Sprintf(`{"handle":%d}`, req.Handle))
	}

	delete(s.buffers, req.Handle) // unknown handles are a silent no-op
	if s.config.Verbose {
		klog.Infof("UNREGISTER_BUFFER handle=%d", req.Handle)
	}

	rsp := protocol.UnregisterBufferRsp{Status: uint8(protocol.StatusOK)}
	if !s.respond(conn, protocol.CmdUnregisterBuffer, hdr.SeqID, &rsp) {
		return false
	}
	s.traceCommand(protocol.CmdUnregisterBuffer, hdr.SeqID, protocol.StatusOK, "")
	return true
}

func (s *Server) handleSync(conn net.Conn, hdr *protocol.Header) bool {
	s.traceCommand(protocol.CmdSync, hdr.SeqID, protocol.StatusRequest, "")
	if s.config.Verbose {
		klog.Infof("SYNC")
	}
	rsp := protocol.SyncRsp{Status: uint8(protocol.StatusOK)}
	if !s.respond(conn, protocol.CmdSync, hdr.SeqID, &rsp) {
		return false
	}
	s.traceCommand(protocol.CmdSync, hdr.SeqID, protocol.StatusOK, "")
	return true
}

func (s *Server) handleFenceCreate(conn net.Conn, hdr *protocol.Header) bool {
	s.traceCommand(protocol.CmdFenceCreate, hdr.SeqID, protocol.StatusRequest, "")

	fenceID := s.nextFenceID
	s.nextFenceID++

	rsp := protocol.FenceCreateRsp{Status: uint8(protocol.StatusOK), FenceID: fenceID}
	if !s.respond(conn, protocol.CmdFenceCreate, hdr.SeqID, &rsp) {
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdFenceCreate, hdr.SeqID, protocol.StatusOK,
			fmt.Sprintf(`{"fence_id":%d}`, fenceID))
	}
	return true
}

func (s *Server) handleFenceDestroy(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.FenceDestroyReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("FENCE_DESTROY: %v", err)
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdFenceDestroy, hdr.SeqID, protocol.StatusRequest,
			fmt.Sprintf(`{"fence_id":%d}`, req.FenceID))
	}

	rsp := protocol.FenceDestroyRsp{Status: uint8(protocol.StatusOK)}
	if !s.respond(conn, protocol.CmdFenceDestroy, hdr.SeqID, &rsp) {
		return false
	}
	s.traceCommand(protocol.CmdFenceDestroy, hdr.SeqID, protocol.StatusOK, "")
	return true
}

func (s *Server) handleFenceWait(conn net.Conn, hdr *protocol.Header) bool {
	var req protocol.FenceWaitReq
	if err := protocol.ReadPayload(conn, hdr, &req); err != nil {
		klog.Errorf("FENCE_WAIT: %v", err)
		return false
	}
	if s.traceCtx.Enabled(trace.Commands) {
		s.traceCommand(protocol.CmdFenceWait, hdr.SeqID, protocol.StatusRequest,
			fmt.Sprintf(`{"fence_id":%d,"timeout_ns":%d}`, req.FenceID, req.TimeoutNs))
	}

	// Execution is synchronous: every fence has already signaled.
	rsp := protocol.FenceWaitRsp{Status: uint8(protocol.StatusOK)}
	if !s.respond(conn, protocol.CmdFenceWait, hdr.SeqID, &rsp) {
		return false
	}
	s.traceCommand(protocol.CmdFenceWait, hdr.SeqID, protocol.StatusOK, "")
	return true
}
