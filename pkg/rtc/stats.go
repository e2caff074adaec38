/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-15
 *
 * Engine Stats - 会话统计
 * 信令收发、数据通道流量与重连次数的原子计数，
 * 快照以 JSON 形式经 FFI 暴露给宿主
 */
package rtc

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// EngineStats 会话统计计数器
type EngineStats struct {
	SignalsSent     uint64 `json:"signals_sent"`
	SignalsReceived uint64 `json:"signals_received"`

	DataBytesSent       uint64 `json:"data_bytes_sent"`
	DataBytesReceived   uint64 `json:"data_bytes_received"`
	DataPacketsSent     uint64 `json:"data_packets_sent"`
	DataPacketsReceived uint64 `json:"data_packets_received"`

	QuickReconnects uint64 `json:"quick_reconnects"`
	FullReconnects  uint64 `json:"full_reconnects"`

	LastReconnectAt int64 `json:"last_reconnect_at,omitempty"` // unix ms
}

// NewEngineStats 创建统计
func NewEngineStats() *EngineStats {
	return &EngineStats{}
}

// AddSignalSent 信令发送 +1（实现 signal.MessageCounter）
func (s *EngineStats) AddSignalSent() {
	atomic.AddUint64(&s.SignalsSent, 1)
}

// AddSignalReceived 信令接收 +1（实现 signal.MessageCounter）
func (s *EngineStats) AddSignalReceived() {
	atomic.AddUint64(&s.SignalsReceived, 1)
}

// AddDataSent 记录数据包发送
func (s *EngineStats) AddDataSent(bytes int) {
	atomic.AddUint64(&s.DataPacketsSent, 1)
	atomic.AddUint64(&s.DataBytesSent, uint64(bytes))
}

// AddDataReceived 记录数据包接收
func (s *EngineStats) AddDataReceived(bytes int) {
	atomic.AddUint64(&s.DataPacketsReceived, 1)
	atomic.AddUint64(&s.DataBytesReceived, uint64(bytes))
}

// AddReconnect 记录一次重连完成
func (s *EngineStats) AddReconnect(mode ReconnectMode) {
	if mode == ReconnectModeFull {
		atomic.AddUint64(&s.FullReconnects, 1)
	} else {
		atomic.AddUint64(&s.QuickReconnects, 1)
	}
	atomic.StoreInt64(&s.LastReconnectAt, time.Now().UnixMilli())
}

// Snapshot 返回当前计数的副本
func (s *EngineStats) Snapshot() EngineStats {
	return EngineStats{
		SignalsSent:         atomic.LoadUint64(&s.SignalsSent),
		SignalsReceived:     atomic.LoadUint64(&s.SignalsReceived),
		DataBytesSent:       atomic.LoadUint64(&s.DataBytesSent),
		DataBytesReceived:   atomic.LoadUint64(&s.DataBytesReceived),
		DataPacketsSent:     atomic.LoadUint64(&s.DataPacketsSent),
		DataPacketsReceived: atomic.LoadUint64(&s.DataPacketsReceived),
		QuickReconnects:     atomic.LoadUint64(&s.QuickReconnects),
		FullReconnects:      atomic.LoadUint64(&s.FullReconnects),
		LastReconnectAt:     atomic.LoadInt64(&s.LastReconnectAt),
	}
}

// JSON 返回快照的 JSON 编码
func (s *EngineStats) JSON() string {
	snapshot := s.Snapshot()
	data, _ := json.Marshal(&snapshot)
	return string(data)
}
