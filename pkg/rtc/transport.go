/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-14
 *
 * PCTransport - 单个对等连接的封装
 * 负责本地描述生命周期：
 * - 远端描述就绪前缓存 ICE 候选，应用后按序冲刷
 * - Offer 创建去抖，在途 offer 期间的重协商请求只推迟、不丢失
 * - ICE 重启的特殊分支（已有远端描述时先重放再出新 offer）
 */
package rtc

import (
	"errors"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/room_client/pkg/utils"
)

// PCTransport 对等传输
type PCTransport struct {
	mu sync.Mutex

	pc      *webrtc.PeerConnection
	target  livekit.SignalTarget
	primary bool

	// 远端描述就绪前收到的候选，冲刷后清空
	pendingCandidates []webrtc.ICECandidateInit

	// ICE 重启中：出新远端描述之前到达的候选一律缓存
	restartingIce bool

	// offer 在途时收到的重协商请求
	renegotiate bool

	// 去抖协商
	debouncedNegotiate func(f func())

	// 回调
	onOffer          func(sd webrtc.SessionDescription)
	onICEStateChange func(state webrtc.ICEConnectionState)

	iceState webrtc.ICEConnectionState

	closed bool

	log *utils.Logger
}

// newPCTransport 创建对等传输
func newPCTransport(
	api *webrtc.API,
	configuration webrtc.Configuration,
	target livekit.SignalTarget,
	primary bool,
	debounceWindow time.Duration,
) (*PCTransport, error) {
	pc, err := api.NewPeerConnection(configuration)
	if err != nil {
		return nil, err
	}

	if debounceWindow <= 0 {
		debounceWindow = 100 * time.Millisecond
	}

	t := &PCTransport{
		pc:                 pc,
		target:             target,
		primary:            primary,
		debouncedNegotiate: debounce.New(debounceWindow),
		iceState:           webrtc.ICEConnectionStateNew,
		log:                utils.NewLogger("transport/" + target.String()),
	}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.mu.Lock()
		t.iceState = state
		cb := t.onICEStateChange
		t.mu.Unlock()

		t.log.Debug("ICE connection state: %s", state)
		if cb != nil {
			cb(state)
		}
	})

	return t, nil
}

// OnOffer 设置本端 offer 产生后的发送回调
func (t *PCTransport) OnOffer(f func(sd webrtc.SessionDescription)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOffer = f
}

// OnICEConnectionStateChange 设置 ICE 状态变更回调
func (t *PCTransport) OnICEConnectionStateChange(f func(state webrtc.ICEConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onICEStateChange = f
}

// PeerConnection 返回底层连接句柄，仅供引擎注册回调与挂载轨道
func (t *PCTransport) PeerConnection() *webrtc.PeerConnection {
	return t.pc
}

// Target 返回该传输的协商角色
func (t *PCTransport) Target() livekit.SignalTarget {
	return t.target
}

// IsPrimary 是否是主传输
func (t *PCTransport) IsPrimary() bool {
	return t.primary
}

// ICEConnectionState 返回当前 ICE 连接状态
func (t *PCTransport) ICEConnectionState() webrtc.ICEConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iceState
}

// IsConnected ICE 是否已连通
func (t *PCTransport) IsConnected() bool {
	return t.ICEConnectionState() == webrtc.ICEConnectionStateConnected
}

// IsRestartingICE 是否处于 ICE 重启中
func (t *PCTransport) IsRestartingICE() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restartingIce
}

// PrepareICERestart 标记即将 ICE 重启
// 标记后新到的候选会被缓存，直到新的远端描述应用
func (t *PCTransport) PrepareICERestart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restartingIce = true
}

// AddICECandidate 添加远端候选
// 远端描述已就绪且不在 ICE 重启中时立即应用，否则缓存
// 缓存也是成功路径，不是延迟的失败
func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.pc.RemoteDescription() != nil && !t.restartingIce {
		t.mu.Unlock()
		return t.pc.AddICECandidate(candidate)
	}
	t.pendingCandidates = append(t.pendingCandidates, candidate)
	t.mu.Unlock()
	return nil
}

// PendingCandidateCount 当前缓存的候选数
func (t *PCTransport) PendingCandidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingCandidates)
}

// SetRemoteDescription 应用远端描述
// 成功后按到达顺序冲刷缓存候选并清空，随后清除 ICE 重启标记；
// 应用期间被推迟的重协商会在这里补发，保证重协商只延迟、不丢失
func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}

	if err := t.pc.SetRemoteDescription(sd); err != nil {
		t.mu.Unlock()
		return err
	}

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			t.log.Warn("could not apply buffered candidate: %v", err)
		}
	}
	t.pendingCandidates = nil
	t.restartingIce = false

	var offer *webrtc.SessionDescription
	if t.renegotiate {
		t.renegotiate = false
		created, err := t.createAndSendOfferLocked(nil)
		if err != nil {
			t.log.Warn("deferred renegotiation failed: %v", err)
		} else {
			offer = created
		}
	}
	onOffer := t.onOffer
	t.mu.Unlock()

	if offer != nil && onOffer != nil {
		onOffer(*offer)
	}
	return nil
}

// Negotiate 请求重协商，去抖窗口内的并发请求合并为一次 offer
// 窗口结束前传输已关闭的话，挂起的协商直接作废
func (t *PCTransport) Negotiate() {
	t.debouncedNegotiate(func() {
		if err := t.CreateAndSendOffer(nil); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				t.log.Debug("dropping negotiation scheduled before close")
				return
			}
			t.log.Error("negotiation failed: %v", err)
		}
	})
}

// CreateAndSendOffer 创建并发送 offer
// - ICE 重启但远端描述缺失：仅做标记，等远端描述到位
// - offer 在途且非 ICE 重启：标记重协商待办，不产生重复 offer
// - ICE 重启且已有远端描述：先重放远端描述，再出新 offer
func (t *PCTransport) CreateAndSendOffer(options *webrtc.OfferOptions) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}

	iceRestart := options != nil && options.ICERestart

	if iceRestart && t.pc.RemoteDescription() == nil {
		t.restartingIce = true
		t.mu.Unlock()
		return nil
	}

	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if iceRestart {
			// 在途 offer 作废：重放当前远端描述后重新协商
			if current := t.pc.RemoteDescription(); current != nil {
				if err := t.pc.SetRemoteDescription(*current); err != nil {
					t.mu.Unlock()
					return err
				}
			}
		} else {
			t.renegotiate = true
			t.mu.Unlock()
			return nil
		}
	}

	if iceRestart {
		t.restartingIce = true
	}

	offer, err := t.createAndSendOfferLocked(options)
	onOffer := t.onOffer
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if offer != nil && onOffer != nil {
		onOffer(*offer)
	}
	return nil
}

// createAndSendOfferLocked 创建 offer 并设置本地描述，调用方持锁
func (t *PCTransport) createAndSendOfferLocked(options *webrtc.OfferOptions) (*webrtc.SessionDescription, error) {
	offer, err := t.pc.CreateOffer(options)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// HandleRemoteOffer 应用远端 offer 并产生本端 answer
// 候选冲刷语义与 SetRemoteDescription 一致
func (t *PCTransport) HandleRemoteOffer(sd webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := t.SetRemoteDescription(sd); err != nil {
		return webrtc.SessionDescription{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrTransportClosed
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// AddTrack 向传输挂载一条本地轨道
func (t *PCTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.mu.Unlock()
	return t.pc.AddTrack(track)
}

// Close 关闭传输，幂等
// 取消待执行的去抖协商，摘除所有发送器，关闭底层连接
func (t *PCTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pendingCandidates = nil
	t.mu.Unlock()

	for _, sender := range t.pc.GetSenders() {
		if err := t.pc.RemoveTrack(sender); err != nil {
			t.log.Debug("remove sender on close: %v", err)
		}
	}
	return t.pc.Close()
}
