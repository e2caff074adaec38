/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-15
 *
 * Engine - 信令与传输重连引擎
 * 持有信令通道和 publisher/subscriber 两个对等传输，
 * 将三路独立异步事件源（信令接收循环、两路 ICE 状态回调、定时器）
 * 收敛为应用可见的单一连接状态：
 *
 *   disconnected -> connecting -> connected <-> reconnecting
 *
 * 重连策略：
 * - 仅信令断开：quick（保留参会身份，现有连接上 ICE 重启）
 * - 主传输 ICE failed 或 quick 连续失败：full（重建传输并重新 Join）
 * - 两类触发几乎同时到达时，主传输 ICE 失败优先决定模式
 * - 退避按缓动曲线递增，尝试严格串行，超过上限即终局断开
 */
package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/room_client/pkg/signal"
	"github.com/maiguangyang/room_client/pkg/utils"
)

// ConnectionState 引擎连接状态
// 只有引擎自身会变更该值
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ReconnectMode 重连模式
type ReconnectMode int

const (
	// ReconnectModeQuick 保留参会身份，在现有连接上做 ICE 重启
	ReconnectModeQuick ReconnectMode = iota
	// ReconnectModeFull 重建两个传输并重新执行完整 Join 握手
	ReconnectModeFull
)

func (m ReconnectMode) String() string {
	if m == ReconnectModeFull {
		return "full"
	}
	return "quick"
}

// 数据通道约定标签
const (
	reliableDataChannelName = "_reliable"
	lossyDataChannelName    = "_lossy"
)

// 单个 UserPacket 载荷上限
const maxDataPayloadSize = 15 * 1024

// EngineCallbacks 面向应用层的事件回调
// 连接状态之外的通知（参会者、静音、说话人、质量）只做透传，
// 不参与连接状态机
type EngineCallbacks struct {
	OnConnectionStateChanged func(state ConnectionState)

	// OnDisconnected 终局断开；主动断开时 reason 为 nil，
	// 重连耗尽时为 ErrCouldNotReconnect
	OnDisconnected func(reason error)

	OnReconnecting func(mode ReconnectMode)
	OnReconnected  func(mode ReconnectMode)

	OnParticipantUpdate func(participants []*livekit.ParticipantInfo)
	OnSpeakersChanged   func(speakers []*livekit.SpeakerInfo)
	OnMuteChanged       func(req *livekit.MuteTrackRequest)
	OnConnectionQuality func(updates []*livekit.ConnectionQualityInfo)
	OnDataReceived      func(payload []byte, topic string, kind livekit.DataPacket_Kind)
}

// Engine 连接引擎
// 两个传输与信令通道由引擎独占持有：full 重连时重建，quick 重连时复用
type Engine struct {
	mu sync.RWMutex

	config EngineConfig
	api    *webrtc.API

	client *signal.Client
	stats  *EngineStats

	callbacks EngineCallbacks

	url   string
	token string

	state ConnectionState

	join              *livekit.JoinResponse
	subscriberPrimary bool

	publisher  *PCTransport
	subscriber *PCTransport

	// publisher 侧数据通道（客户端 -> 服务端）
	reliableDC *webrtc.DataChannel
	lossyDC    *webrtc.DataChannel

	// subscriber primary 时服务端下发的数据通道（服务端 -> 客户端）
	reliableDCSub *webrtc.DataChannel
	lossyDCSub    *webrtc.DataChannel

	hasPublished bool

	// 在途 AddTrack：cid -> 单次resolve 的确认通道
	pendingTracks map[string]chan *livekit.TrackInfo

	// 重连控制
	reconnectAttempts int
	fullReconnectNext bool
	reconnectStop     chan struct{}

	closed bool

	log *utils.Logger
}

// NewEngine 创建引擎
func NewEngine(config EngineConfig, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		config:        config,
		client:        signal.NewClient(),
		stats:         NewEngineStats(),
		state:         ConnectionStateDisconnected,
		pendingTracks: make(map[string]chan *livekit.TrackInfo),
		log:           utils.NewLogger("engine"),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.api == nil {
		m := &webrtc.MediaEngine{}
		if err := m.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
		e.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	}

	e.client.SetMessageCounter(e.stats)
	e.configureSignalCallbacks()

	return e, nil
}

// SetCallbacks 设置应用层回调，必须在 Connect 之前调用
func (e *Engine) SetCallbacks(cbs EngineCallbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = cbs
}

// State 返回当前连接状态
func (e *Engine) State() ConnectionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// ReconnectAttempts 返回当前重连尝试计数（成功连接后归零）
func (e *Engine) ReconnectAttempts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.reconnectAttempts
}

// Stats 返回会话统计
func (e *Engine) Stats() *EngineStats {
	return e.stats
}

// JoinResponse 返回最近一次 Join 握手结果
func (e *Engine) JoinResponse() *livekit.JoinResponse {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.join
}

// SignalClient 返回信令通道（只读用途）
func (e *Engine) SignalClient() *signal.Client {
	return e.client
}

// Connect 建立会话：打开信令、完成 Join 握手、创建传输并等待主传输连通
// 再次调用会先取消在途重连并重置整个会话
func (e *Engine) Connect(ctx context.Context, url, token string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.stopReconnectLocked()
	e.closeTransportsLocked()
	e.url = url
	e.token = token
	e.reconnectAttempts = 0
	e.hasPublished = false
	e.mu.Unlock()

	e.setState(ConnectionStateConnecting)

	join, err := e.client.Connect(ctx, url, token, false)
	if err != nil {
		e.setState(ConnectionStateDisconnected)
		return err
	}

	if err := e.configureTransports(join); err != nil {
		e.client.Close()
		e.setState(ConnectionStateDisconnected)
		return err
	}
	e.client.Start()

	// subscriber primary 时 publisher 懒协商：等首次发布或数据发送
	if !join.GetSubscriberPrimary() {
		e.mu.RLock()
		publisher := e.publisher
		e.mu.RUnlock()
		publisher.Negotiate()
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.config.ICEConnectTimeout)
	defer cancel()
	if err := e.waitForPrimaryConnected(waitCtx, nil); err != nil {
		e.mu.Lock()
		e.closeTransportsLocked()
		e.mu.Unlock()
		e.client.Close()
		e.setState(ConnectionStateDisconnected)
		return err
	}

	e.setState(ConnectionStateConnected)
	return nil
}

// Disconnect 主动断开：尽力发送 leave，取消在途重连，释放全部资源
// 幂等，不会产生终局错误通知
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.state == ConnectionStateDisconnected {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.client.SendLeave()
	e.teardown(nil)
}

// Close 释放引擎，之后不可再 Connect
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	alreadyDisconnected := e.state == ConnectionStateDisconnected
	e.mu.Unlock()

	if !alreadyDisconnected {
		e.client.SendLeave()
		e.teardown(nil)
	}
}

// teardown 释放传输与信令并进入 disconnected
// reason 非 nil 表示终局失败；资源全部释放后才对外通知
func (e *Engine) teardown(reason error) {
	e.mu.Lock()
	e.stopReconnectLocked()
	e.closeTransportsLocked()
	alreadyDisconnected := e.state == ConnectionStateDisconnected
	e.state = ConnectionStateDisconnected
	stateCb := e.callbacks.OnConnectionStateChanged
	disconnectedCb := e.callbacks.OnDisconnected
	e.mu.Unlock()

	e.client.Close()

	if alreadyDisconnected {
		return
	}
	e.log.Info("connection state: disconnected (reason=%v)", reason)
	if stateCb != nil {
		stateCb(ConnectionStateDisconnected)
	}
	if disconnectedCb != nil {
		disconnectedCb(reason)
	}
}

// ==========================================
// 传输创建
// ==========================================

// configureTransports 按 Join 结果创建两个传输并接线
func (e *Engine) configureTransports(join *livekit.JoinResponse) error {
	iceServers := fromProtoICEServers(join.GetIceServers())
	if len(iceServers) == 0 {
		iceServers = e.config.FallbackICEServers
	}
	configuration := webrtc.Configuration{ICEServers: iceServers}

	subscriberPrimary := join.GetSubscriberPrimary()

	publisher, err := newPCTransport(
		e.api, configuration,
		livekit.SignalTarget_PUBLISHER,
		!subscriberPrimary,
		e.config.NegotiationDebounce,
	)
	if err != nil {
		return err
	}

	subscriber, err := newPCTransport(
		e.api, configuration,
		livekit.SignalTarget_SUBSCRIBER,
		subscriberPrimary,
		e.config.NegotiationDebounce,
	)
	if err != nil {
		publisher.Close()
		return err
	}

	e.mu.Lock()
	e.join = join
	e.subscriberPrimary = subscriberPrimary
	e.publisher = publisher
	e.subscriber = subscriber
	e.mu.Unlock()

	e.configureTransportCallbacks(publisher, subscriber, subscriberPrimary)

	if err := e.createPublisherDataChannels(publisher); err != nil {
		e.mu.Lock()
		e.closeTransportsLocked()
		e.mu.Unlock()
		return err
	}
	return nil
}

// createPublisherDataChannels 在 publisher 上建立 reliable / lossy 两条出向通道
func (e *Engine) createPublisherDataChannels(publisher *PCTransport) error {
	ordered := true
	reliable, err := publisher.PeerConnection().CreateDataChannel(reliableDataChannelName, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return err
	}

	unordered := false
	maxRetransmits := uint16(0)
	lossy, err := publisher.PeerConnection().CreateDataChannel(lossyDataChannelName, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return err
	}

	reliable.OnMessage(e.handleDataMessage)
	lossy.OnMessage(e.handleDataMessage)

	e.mu.Lock()
	e.reliableDC = reliable
	e.lossyDC = lossy
	e.mu.Unlock()
	return nil
}

// primaryTransport 服务端指定驱动顶层连接状态的那一路
func (e *Engine) primaryTransport() *PCTransport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.subscriberPrimary {
		return e.subscriber
	}
	return e.publisher
}

// publisherTransport 返回 publisher 传输
func (e *Engine) publisherTransport() *PCTransport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.publisher
}

// subscriberTransport 返回 subscriber 传输
func (e *Engine) subscriberTransport() *PCTransport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subscriber
}

// closeTransportsLocked 关闭并置空两个传输，调用方持锁
func (e *Engine) closeTransportsLocked() {
	if e.publisher != nil {
		e.publisher.Close()
		e.publisher = nil
	}
	if e.subscriber != nil {
		e.subscriber.Close()
		e.subscriber = nil
	}
	e.reliableDC = nil
	e.lossyDC = nil
	e.reliableDCSub = nil
	e.lossyDCSub = nil
}

// ==========================================
// 轨道发布
// ==========================================

// AddTrack 发送 add-track 请求并等待服务端以相同 cid 确认
// cid 冲突立即失败，不覆盖已有在途请求；确认超时独立于重连超时
func (e *Engine) AddTrack(ctx context.Context, cid, name string, kind livekit.TrackType, width, height uint32) (*livekit.TrackInfo, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, exists := e.pendingTracks[cid]; exists {
		e.mu.Unlock()
		return nil, ErrDuplicateCid
	}
	confirm := make(chan *livekit.TrackInfo, 1)
	e.pendingTracks[cid] = confirm
	e.mu.Unlock()

	removePending := func() {
		e.mu.Lock()
		delete(e.pendingTracks, cid)
		e.mu.Unlock()
	}

	if err := e.client.SendAddTrack(&livekit.AddTrackRequest{
		Cid:    cid,
		Name:   name,
		Type:   kind,
		Width:  width,
		Height: height,
	}); err != nil {
		removePending()
		return nil, err
	}

	select {
	case info := <-confirm:
		return info, nil
	case <-time.After(e.config.AddTrackTimeout):
		removePending()
		return nil, ErrAddTrackTimeout
	case <-ctx.Done():
		removePending()
		return nil, ctx.Err()
	}
}

// PublishTrack 完整发布：信令往返确认后挂载到 publisher 并触发协商
// 这是 publisher 懒协商被真正触发的路径之一
func (e *Engine) PublishTrack(ctx context.Context, track webrtc.TrackLocal, name string, width, height uint32) (*livekit.TrackInfo, error) {
	kind := livekit.TrackType_AUDIO
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = livekit.TrackType_VIDEO
	}

	info, err := e.AddTrack(ctx, track.ID(), name, kind, width, height)
	if err != nil {
		return nil, err
	}

	publisher := e.publisherTransport()
	if publisher == nil {
		return nil, ErrNotConnected
	}
	if _, err := publisher.AddTrack(track); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.hasPublished = true
	e.mu.Unlock()

	publisher.Negotiate()
	return info, nil
}

// MuteTrack 变更本地轨道静音状态
func (e *Engine) MuteTrack(sid string, muted bool) error {
	return e.client.SendMuteTrack(sid, muted)
}

// UpdateTrackSettings 更新远端轨道接收设置
func (e *Engine) UpdateTrackSettings(settings *livekit.UpdateTrackSettings) error {
	return e.client.SendUpdateTrackSettings(settings)
}

// UpdateSubscription 更新订阅关系
func (e *Engine) UpdateSubscription(sub *livekit.UpdateSubscription) error {
	return e.client.SendUpdateSubscription(sub)
}

// ==========================================
// 数据发送
// ==========================================

// SendDataPacket 经数据通道发送用户数据
// 与被动的事件驱动重连不同，这里的"确保连通"与发送同步：
// publisher 未连通时先按需协商并有界等待，超时返回错误且不影响连接状态
func (e *Engine) SendDataPacket(ctx context.Context, payload []byte, topic string, kind livekit.DataPacket_Kind) error {
	if len(payload) > maxDataPayloadSize {
		return ErrPayloadTooLarge
	}

	if err := e.ensurePublisherConnected(ctx, kind); err != nil {
		return err
	}

	packet := &livekit.DataPacket{
		Kind: kind,
	}
	user := &livekit.UserPacket{
		Payload: payload,
	}
	if topic != "" {
		user.Topic = &topic
	}
	packet.Value = &livekit.DataPacket_User{User: user}

	data, err := marshalDataPacket(packet)
	if err != nil {
		return err
	}

	dc := e.dataChannelForKind(kind)
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrDataChannelClosed
	}
	if err := dc.Send(data); err != nil {
		return err
	}
	e.stats.AddDataSent(len(data))
	return nil
}

// ensurePublisherConnected 确保 publisher ICE 连通且目标通道打开
// subscriber primary 且 publisher 从未协商时在此按需触发协商
func (e *Engine) ensurePublisherConnected(ctx context.Context, kind livekit.DataPacket_Kind) error {
	publisher := e.publisherTransport()
	if publisher == nil {
		return ErrNotConnected
	}

	if publisher.IsConnected() && e.dataChannelReady(kind) {
		return nil
	}

	e.mu.RLock()
	subscriberPrimary := e.subscriberPrimary
	e.mu.RUnlock()
	if subscriberPrimary {
		publisher.Negotiate()
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.config.ICEConnectTimeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return ErrICEConnectionTimeout
		case <-ticker.C:
			if publisher.IsConnected() && e.dataChannelReady(kind) {
				return nil
			}
		}
	}
}

func (e *Engine) dataChannelForKind(kind livekit.DataPacket_Kind) *webrtc.DataChannel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if kind == livekit.DataPacket_LOSSY {
		return e.lossyDC
	}
	return e.reliableDC
}

func (e *Engine) dataChannelReady(kind livekit.DataPacket_Kind) bool {
	dc := e.dataChannelForKind(kind)
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// ==========================================
// 重连状态机
// ==========================================

// handleDisconnect 进入重连模式
// 已在重连中时只允许把待用模式升级为 full，不中断在途尝试
func (e *Engine) handleDisconnect(reason string, mode ReconnectMode) {
	e.mu.Lock()
	if e.closed || e.state == ConnectionStateDisconnected || e.state == ConnectionStateConnecting {
		e.mu.Unlock()
		return
	}
	if e.state == ConnectionStateReconnecting {
		if mode == ReconnectModeFull {
			e.fullReconnectNext = true
		}
		e.mu.Unlock()
		return
	}
	e.state = ConnectionStateReconnecting
	stop := make(chan struct{})
	e.reconnectStop = stop
	stateCb := e.callbacks.OnConnectionStateChanged
	reconnectingCb := e.callbacks.OnReconnecting
	e.mu.Unlock()

	e.log.Warn("connection lost (%s), entering reconnect with mode=%s", reason, mode)
	if stateCb != nil {
		stateCb(ConnectionStateReconnecting)
	}
	if reconnectingCb != nil {
		reconnectingCb(mode)
	}

	go e.reconnectLoop(mode, stop)
}

// reconnectLoop 串行执行重连尝试直到成功、取消或耗尽
func (e *Engine) reconnectLoop(mode ReconnectMode, stop chan struct{}) {
	total := e.config.MaxReconnectAttempts

	for attempt := 0; attempt < total; attempt++ {
		delay := ReconnectDelay(attempt, total, e.config.ReconnectBaseDelay, e.config.ReconnectMaxDelay)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		e.mu.Lock()
		e.reconnectAttempts = attempt + 1
		if e.fullReconnectNext {
			e.fullReconnectNext = false
			mode = ReconnectModeFull
		}
		// quick 连续失败达到上限后升级为 full 并保持
		if mode == ReconnectModeQuick && attempt >= e.config.QuickReconnectLimit {
			mode = ReconnectModeFull
		}
		e.mu.Unlock()

		e.log.Info("reconnect attempt %d/%d (mode=%s, delay=%v)", attempt+1, total, mode, delay)

		var err error
		if mode == ReconnectModeQuick {
			err = e.quickReconnect(stop)
		} else {
			err = e.fullReconnect(stop)
		}

		select {
		case <-stop:
			return
		default:
		}

		if err == nil {
			e.mu.Lock()
			e.reconnectAttempts = 0
			e.state = ConnectionStateConnected
			e.reconnectStop = nil
			stateCb := e.callbacks.OnConnectionStateChanged
			reconnectedCb := e.callbacks.OnReconnected
			e.mu.Unlock()

			e.stats.AddReconnect(mode)
			e.log.Info("reconnected (mode=%s)", mode)
			if stateCb != nil {
				stateCb(ConnectionStateConnected)
			}
			if reconnectedCb != nil {
				reconnectedCb(mode)
			}
			// 判定成功与状态落位之间信令又断的话，OnClose 发生在
			// reconnecting 态下会被忽略，这里补一次检查重新入列
			if e.client.State() != signal.ConnectionStateConnected {
				e.handleDisconnect("signal dropped while completing reconnect", ReconnectModeQuick)
			}
			return
		}

		e.log.Warn("reconnect attempt %d failed: %v", attempt+1, err)
	}

	// 耗尽：对外暴露专门的终局错误，而不是最初的瞬态原因
	e.log.Error("reconnect attempts exhausted after %d tries", total)
	e.teardown(ErrCouldNotReconnect)
}

// quickReconnect 以 reconnect=true 重开信令并在现有传输上做 ICE 重启
func (e *Engine) quickReconnect(stop chan struct{}) error {
	ctx, cancel := e.reconnectContext(stop)
	defer cancel()

	e.mu.RLock()
	url, token := e.url, e.token
	subscriber := e.subscriber
	publisher := e.publisher
	hasPublished := e.hasPublished
	e.mu.RUnlock()

	if subscriber == nil || publisher == nil {
		return ErrNotConnected
	}

	if _, err := e.client.Connect(ctx, url, token, true); err != nil {
		return err
	}

	// 服务端会对 subscriber 下发新 offer；先标记以便候选正确缓存
	subscriber.PrepareICERestart()
	e.client.Start()

	if hasPublished {
		if err := publisher.CreateAndSendOffer(&webrtc.OfferOptions{ICERestart: true}); err != nil {
			return err
		}
	}

	if err := e.waitForPrimaryConnected(ctx, stop); err != nil {
		return err
	}
	return e.verifySignalConnected()
}

// fullReconnect 重建传输并重复完整 Join 握手
func (e *Engine) fullReconnect(stop chan struct{}) error {
	ctx, cancel := e.reconnectContext(stop)
	defer cancel()

	e.mu.Lock()
	e.closeTransportsLocked()
	url, token := e.url, e.token
	e.mu.Unlock()
	e.client.Close()

	join, err := e.client.Connect(ctx, url, token, false)
	if err != nil {
		return err
	}

	if err := e.configureTransports(join); err != nil {
		return err
	}
	e.client.Start()

	if !join.GetSubscriberPrimary() {
		e.publisherTransport().Negotiate()
	}

	if err := e.waitForPrimaryConnected(ctx, stop); err != nil {
		return err
	}
	return e.verifySignalConnected()
}

// verifySignalConnected 重连成功的判定还要求信令在线
// 快速重连时媒体路径往往从未中断，只看主传输 ICE 会把
// rejoin 后又断掉的信令误判为成功
func (e *Engine) verifySignalConnected() error {
	if e.client.State() != signal.ConnectionStateConnected {
		return ErrNotConnected
	}
	return nil
}

// reconnectContext 带超时且可被 stop 取消的上下文
func (e *Engine) reconnectContext(stop chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.ICEConnectTimeout)
	if stop != nil {
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// waitForPrimaryConnected 有界等待主传输 ICE 连通
func (e *Engine) waitForPrimaryConnected(ctx context.Context, stop chan struct{}) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrICEConnectionTimeout
		case <-ticker.C:
			if stop != nil {
				select {
				case <-stop:
					return ErrEngineClosed
				default:
				}
			}
			if primary := e.primaryTransport(); primary != nil && primary.IsConnected() {
				return nil
			}
		}
	}
}

// stopReconnectLocked 取消在途重连，调用方持锁
func (e *Engine) stopReconnectLocked() {
	if e.reconnectStop != nil {
		close(e.reconnectStop)
		e.reconnectStop = nil
	}
	e.fullReconnectNext = false
}

// setState 状态变更统一出口
func (e *Engine) setState(state ConnectionState) {
	e.mu.Lock()
	if e.state == state {
		e.mu.Unlock()
		return
	}
	e.state = state
	cb := e.callbacks.OnConnectionStateChanged
	e.mu.Unlock()

	e.log.Info("connection state: %s", state)
	if cb != nil {
		cb(state)
	}
}

// fromProtoICEServers 转换服务端下发的 ICE 服务器配置
func fromProtoICEServers(servers []*livekit.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		if server == nil || len(server.GetUrls()) == 0 {
			continue
		}
		out = append(out, webrtc.ICEServer{
			URLs:       server.GetUrls(),
			Username:   server.GetUsername(),
			Credential: server.GetCredential(),
		})
	}
	return out
}
