/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-14
 *
 * Engine 配置
 */
package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// EngineConfig 引擎配置
type EngineConfig struct {
	// 重连配置
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// 连续 quick 重连失败多少次后升级为 full
	QuickReconnectLimit int

	// 等待主传输 ICE 连通的上限
	ICEConnectTimeout time.Duration

	// AddTrack 信令往返的确认超时（独立于重连超时）
	AddTrackTimeout time.Duration

	// 协商去抖窗口
	NegotiationDebounce time.Duration

	// JoinResponse 未下发 ICE 服务器时的兜底配置
	FallbackICEServers []webrtc.ICEServer
}

// DefaultEngineConfig 默认配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   300 * time.Millisecond,
		ReconnectMaxDelay:    7 * time.Second,
		QuickReconnectLimit:  3,
		ICEConnectTimeout:    15 * time.Second,
		AddTrackTimeout:      10 * time.Second,
		NegotiationDebounce:  100 * time.Millisecond,
		FallbackICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// EngineOption 配置选项
type EngineOption func(*Engine)

// WithWebRTCAPI 设置自定义 WebRTC API (用于测试或自定义配置)
func WithWebRTCAPI(api *webrtc.API) EngineOption {
	return func(e *Engine) {
		e.api = api
	}
}
