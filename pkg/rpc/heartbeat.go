package rpc

import (
	"fmt"
	"sync"
	"time"
)

// heartbeat drives the ping/pong liveness exchange of one connection.
// Pings go out every HeartbeatSendInterval; any inbound heartbeat resets
// the receive deadline, and HeartbeatRecvTimeout without one tears the
// connection down.
type heartbeat struct {
	conn *Connection
	sn   *Counter

	mu           sync.Mutex
	stopped      bool
	sendTimer    *time.Timer
	recvTimer    *time.Timer
	lastSendTime time.Time
}

func newHeartbeat(conn *Connection) *heartbeat {
	return &heartbeat{
		conn: conn,
		sn:   NewCounter(),
	}
}

func (h *heartbeat) start() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.resetRecvTimeoutLocked()
	h.mu.Unlock()

	if h.conn.opts.HeartbeatSendInterval > 0 {
		h.sendPing()
	}
}

func (h *heartbeat) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	if h.sendTimer != nil {
		h.sendTimer.Stop()
		h.sendTimer = nil
	}
	if h.recvTimer != nil {
		h.recvTimer.Stop()
		h.recvTimer = nil
	}
}

func (h *heartbeat) sendPing() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	sn := h.sn.GetNext()
	h.lastSendTime = time.Now()
	h.mu.Unlock()

	err := h.conn.sendTransportData(&TransportData{Type: DataTypeHeartbeat, SN: sn})
	if err != nil && err != errFlowCanceled {
		h.conn.logDebug("Failed to send heartbeat: " + err.Error())
	}
}

// onRecv handles one inbound heartbeat envelope. A ping is answered with
// a pong of the same sn; a pong updates the measured latency and arms the
// next ping.
func (h *heartbeat) onRecv(sn uint32, isReply bool) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.resetRecvTimeoutLocked()

	if !isReply {
		h.mu.Unlock()
		err := h.conn.sendTransportData(&TransportData{Type: DataTypeHeartbeat, SN: sn, IsReply: true})
		if err != nil && err != errFlowCanceled {
			h.conn.logDebug("Failed to reply heartbeat: " + err.Error())
		}
		return
	}

	latency := time.Since(h.lastSendTime)
	if interval := h.conn.opts.HeartbeatSendInterval; interval > 0 {
		if h.sendTimer != nil {
			h.sendTimer.Stop()
		}
		h.sendTimer = time.AfterFunc(interval, h.sendPing)
	}
	h.mu.Unlock()

	h.conn.lastHeartbeatLatency.Store(int64(latency))
	h.conn.logDebug(fmt.Sprintf("[Heartbeat] sn=%d latency=%s", sn, latency))
}

func (h *heartbeat) resetRecvTimeoutLocked() {
	timeout := h.conn.opts.HeartbeatRecvTimeout
	if timeout <= 0 {
		return
	}
	if h.recvTimer != nil {
		h.recvTimer.Stop()
	}
	h.recvTimer = time.AfterFunc(timeout, h.onRecvTimeout)
}

func (h *heartbeat) onRecvTimeout() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.conn.logWarn("Heartbeat timed out")
	h.conn.disconnect(false, "Receive heartbeat timeout")
}
