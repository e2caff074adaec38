/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-12
 *
 * Signal Client - 信令通道
 * 维护到服务端的单条 WebSocket 双工流：
 * - 发送端序列化 SignalRequest（protobuf 二进制）
 * - 接收端单循环按 oneof 分发 SignalResponse
 * - 自身的连接状态独立于媒体传输
 * - Ping/Pong 保活，超时按异常断开处理
 */
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"google.golang.org/protobuf/proto"

	"github.com/maiguangyang/room_client/pkg/utils"
)

// 协议版本，随 livekit/protocol 升级
const protocolVersion = 8

// 首条 Join 消息的等待上限
const joinResponseTimeout = 10 * time.Second

// ConnectionState 信令通道状态
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Callbacks 入站消息分发回调
// 全部在接收循环 goroutine 内按到达顺序串行调用
type Callbacks struct {
	OnAnswer              func(sd webrtc.SessionDescription)
	OnOffer               func(sd webrtc.SessionDescription)
	OnTrickle             func(init webrtc.ICECandidateInit, target livekit.SignalTarget)
	OnParticipantUpdate   func(participants []*livekit.ParticipantInfo)
	OnLocalTrackPublished func(res *livekit.TrackPublishedResponse)
	OnSpeakersChanged     func(speakers []*livekit.SpeakerInfo)
	OnMuteChanged         func(req *livekit.MuteTrackRequest)
	OnConnectionQuality   func(updates []*livekit.ConnectionQualityInfo)
	OnLeave               func(req *livekit.LeaveRequest)

	// OnClose 仅在非本端主动关闭时触发，是引擎感知信令异常断开的唯一途径
	OnClose func(reason string, code int)
}

// MessageCounter 供上层统计信令收发量（可选）
type MessageCounter interface {
	AddSignalSent()
	AddSignalReceived()
}

// Client 信令客户端
type Client struct {
	mu sync.RWMutex

	conn  *websocket.Conn
	state ConnectionState

	callbacks Callbacks
	counter   MessageCounter

	// gorilla 连接要求单写者
	writeMu sync.Mutex

	// 接收循环代数。Connect/Close 时递增，
	// 旧循环检测到代数变化后静默退出，不会误报断开
	readGen int64

	// Ping 保活
	pingInterval time.Duration
	pingTimeout  time.Duration
	lastPongAt   int64 // unix ms
	pingStop     chan struct{}

	log *utils.Logger
}

// NewClient 创建信令客户端
func NewClient() *Client {
	return &Client{
		state: ConnectionStateDisconnected,
		log:   utils.NewLogger("signal"),
	}
}

// SetCallbacks 设置消息分发回调，必须在 Connect 之前调用
func (c *Client) SetCallbacks(cbs Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = cbs
}

// SetMessageCounter 设置收发统计
func (c *Client) SetMessageCounter(counter MessageCounter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = counter
}

// State 返回当前通道状态
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Connect 打开信令流并执行 Join 握手
// reconnect=true 时走快速恢复路径：不等待 JoinResponse，服务端延用原参会身份
// 重入安全：已有连接会先被替换掉
func (c *Client) Connect(ctx context.Context, urlStr, token string, reconnect bool) (*livekit.JoinResponse, error) {
	wsURL, err := buildSignalURL(urlStr, token, reconnect)
	if err != nil {
		return nil, err
	}

	// 替换旧连接：先让旧接收循环失效
	c.mu.Lock()
	c.readGen++
	gen := c.readGen
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.stopPingLocked()
	c.state = ConnectionStateConnecting
	c.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.setState(ConnectionStateDisconnected)
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("signal connect failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("signal connect failed: %w", err)
	}

	var join *livekit.JoinResponse
	if !reconnect {
		join, err = c.readJoinResponse(ctx, conn)
		if err != nil {
			conn.Close()
			c.setState(ConnectionStateDisconnected)
			return nil, err
		}
	}

	c.mu.Lock()
	if gen != c.readGen {
		// Connect 期间被 Close 或新的 Connect 抢占
		c.mu.Unlock()
		conn.Close()
		return nil, ErrClientClosed
	}
	c.conn = conn
	c.state = ConnectionStateConnected
	if join != nil {
		c.pingInterval = time.Duration(join.PingInterval) * time.Second
		c.pingTimeout = time.Duration(join.PingTimeout) * time.Second
	}
	atomic.StoreInt64(&c.lastPongAt, time.Now().UnixMilli())
	c.mu.Unlock()

	c.log.Info("signal connected (reconnect=%v)", reconnect)
	return join, nil
}

// Start 启动接收循环与保活
// 与 Connect 分离，调用方先完成传输接线再放行消息分发，
// 避免握手后立刻到达的 offer 被丢弃
func (c *Client) Start() {
	c.mu.Lock()
	conn := c.conn
	gen := c.readGen
	c.startPingLocked()
	c.mu.Unlock()

	if conn == nil {
		return
	}
	go c.readLoop(conn, gen)
}

// readJoinResponse 同步等待握手的首条消息
func (c *Client) readJoinResponse(ctx context.Context, conn *websocket.Conn) (*livekit.JoinResponse, error) {
	deadline := time.Now().Add(joinResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	res, err := c.readResponse(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJoinResponse, err)
	}

	switch msg := res.Message.(type) {
	case *livekit.SignalResponse_Join:
		return msg.Join, nil
	case *livekit.SignalResponse_Leave:
		return nil, fmt.Errorf("%w: %s", ErrJoinRejected, msg.Leave.GetReason())
	default:
		return nil, fmt.Errorf("%w: first message was %T", ErrNoJoinResponse, res.Message)
	}
}

// readLoop 单接收循环，逐条解码并分发，直到流结束或出错
func (c *Client) readLoop(conn *websocket.Conn, gen int64) {
	for {
		res, err := c.readResponse(conn)
		if err != nil {
			c.mu.Lock()
			stale := gen != c.readGen
			if !stale {
				c.state = ConnectionStateDisconnected
				c.conn = nil
				c.stopPingLocked()
			}
			onClose := c.callbacks.OnClose
			c.mu.Unlock()

			if stale {
				// 被新连接替换或主动关闭，静默退出
				return
			}

			reason, code := closeReason(err)
			c.log.Warn("signal stream closed: %s (code %d)", reason, code)
			if onClose != nil {
				onClose(reason, code)
			}
			return
		}
		c.handleResponse(res)
	}
}

func (c *Client) readResponse(conn *websocket.Conn) (*livekit.SignalResponse, error) {
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			c.log.Debug("ignoring non-binary signal frame (type %d)", mt)
			continue
		}
		res := &livekit.SignalResponse{}
		if err := proto.Unmarshal(payload, res); err != nil {
			return nil, fmt.Errorf("could not decode signal response: %w", err)
		}
		if c.counter != nil {
			c.counter.AddSignalReceived()
		}
		return res, nil
	}
}

// handleResponse 按 oneof 标签路由
func (c *Client) handleResponse(res *livekit.SignalResponse) {
	c.mu.RLock()
	cbs := c.callbacks
	c.mu.RUnlock()

	switch msg := res.Message.(type) {
	case *livekit.SignalResponse_Answer:
		if cbs.OnAnswer != nil {
			cbs.OnAnswer(fromProtoSessionDescription(msg.Answer))
		}
	case *livekit.SignalResponse_Offer:
		if cbs.OnOffer != nil {
			cbs.OnOffer(fromProtoSessionDescription(msg.Offer))
		}
	case *livekit.SignalResponse_Trickle:
		init, err := decodeCandidateInit(msg.Trickle.GetCandidateInit())
		if err != nil {
			c.log.Warn("dropping malformed trickle candidate: %v", err)
			return
		}
		if cbs.OnTrickle != nil {
			cbs.OnTrickle(init, msg.Trickle.GetTarget())
		}
	case *livekit.SignalResponse_Update:
		if cbs.OnParticipantUpdate != nil {
			cbs.OnParticipantUpdate(msg.Update.GetParticipants())
		}
	case *livekit.SignalResponse_TrackPublished:
		if cbs.OnLocalTrackPublished != nil {
			cbs.OnLocalTrackPublished(msg.TrackPublished)
		}
	case *livekit.SignalResponse_SpeakersChanged:
		if cbs.OnSpeakersChanged != nil {
			cbs.OnSpeakersChanged(msg.SpeakersChanged.GetSpeakers())
		}
	case *livekit.SignalResponse_Mute:
		if cbs.OnMuteChanged != nil {
			cbs.OnMuteChanged(msg.Mute)
		}
	case *livekit.SignalResponse_ConnectionQuality:
		if cbs.OnConnectionQuality != nil {
			cbs.OnConnectionQuality(msg.ConnectionQuality.GetUpdates())
		}
	case *livekit.SignalResponse_Leave:
		if cbs.OnLeave != nil {
			cbs.OnLeave(msg.Leave)
		}
	case *livekit.SignalResponse_Pong:
		atomic.StoreInt64(&c.lastPongAt, time.Now().UnixMilli())
	case *livekit.SignalResponse_Join:
		// 握手之外的 Join 不应出现
		c.log.Warn("unexpected join response on established stream, ignoring")
	default:
		// 未知消息：记录并忽略，保持前向兼容
		c.log.Debug("unknown signal response type %T, ignoring", res.Message)
	}
}

// SendRequest 序列化并发送一条控制消息
// 未连接时仅记录错误并返回，不影响其他调用方
func (c *Client) SendRequest(req *livekit.SignalRequest) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != ConnectionStateConnected || conn == nil {
		c.log.Warn("dropping signal request %T: %v", req.Message, ErrNotConnected)
		return ErrNotConnected
	}

	payload, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("could not encode signal request: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.log.Warn("signal send failed: %v", err)
		return err
	}
	if c.counter != nil {
		c.counter.AddSignalSent()
	}
	return nil
}

// SendOffer 发送本端 Offer
func (c *Client) SendOffer(sd webrtc.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Offer{
			Offer: toProtoSessionDescription(sd),
		},
	})
}

// SendAnswer 发送本端 Answer
func (c *Client) SendAnswer(sd webrtc.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Answer{
			Answer: toProtoSessionDescription(sd),
		},
	})
}

// SendICECandidate 发送 Trickle ICE 候选
func (c *Client) SendICECandidate(init webrtc.ICECandidateInit, target livekit.SignalTarget) error {
	encoded, err := json.Marshal(init)
	if err != nil {
		return err
	}
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Trickle{
			Trickle: &livekit.TrickleRequest{
				CandidateInit: string(encoded),
				Target:        target,
			},
		},
	})
}

// SendAddTrack 发送 AddTrack 请求
func (c *Client) SendAddTrack(req *livekit.AddTrackRequest) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_AddTrack{AddTrack: req},
	})
}

// SendMuteTrack 发送静音状态变更
func (c *Client) SendMuteTrack(sid string, muted bool) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Mute{
			Mute: &livekit.MuteTrackRequest{Sid: sid, Muted: muted},
		},
	})
}

// SendUpdateTrackSettings 更新远端轨道接收设置
func (c *Client) SendUpdateTrackSettings(settings *livekit.UpdateTrackSettings) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_TrackSetting{TrackSetting: settings},
	})
}

// SendUpdateSubscription 更新订阅关系
func (c *Client) SendUpdateSubscription(sub *livekit.UpdateSubscription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Subscription{Subscription: sub},
	})
}

// SendLeave 发送离开消息（尽力而为）
func (c *Client) SendLeave() error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Leave{
			Leave: &livekit.LeaveRequest{
				CanReconnect: false,
				Reason:       livekit.DisconnectReason_CLIENT_INITIATED,
			},
		},
	})
}

// Close 终止信令流，幂等
// 主动关闭不会触发 OnClose
func (c *Client) Close() {
	c.mu.Lock()
	c.readGen++
	conn := c.conn
	c.conn = nil
	c.state = ConnectionStateDisconnected
	c.stopPingLocked()
	c.mu.Unlock()

	if conn != nil {
		// 尽力发送标准关闭帧
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		conn.Close()
		c.log.Info("signal closed")
	}
}

// ==========================================
// Ping 保活
// ==========================================

func (c *Client) startPingLocked() {
	if c.pingInterval <= 0 {
		return
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = 3 * c.pingInterval
	}
	stop := make(chan struct{})
	c.pingStop = stop
	go c.pingLoop(stop, c.pingInterval, c.pingTimeout)
}

func (c *Client) stopPingLocked() {
	if c.pingStop != nil {
		close(c.pingStop)
		c.pingStop = nil
	}
}

// pingLoop 周期发送 Ping，Pong 超时视为异常断开
func (c *Client) pingLoop(stop chan struct{}, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			last := atomic.LoadInt64(&c.lastPongAt)
			if time.Since(time.UnixMilli(last)) > timeout {
				c.log.Warn("pong timeout after %v, treating stream as closed", timeout)
				c.mu.RLock()
				conn := c.conn
				c.mu.RUnlock()
				if conn != nil {
					// 触发 readLoop 报错，走统一的 OnClose 路径
					conn.Close()
				}
				return
			}
			c.SendRequest(&livekit.SignalRequest{
				Message: &livekit.SignalRequest_Ping{Ping: time.Now().UnixMilli()},
			})
		}
	}
}

// ==========================================
// 辅助函数
// ==========================================

func (c *Client) setState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// buildSignalURL 组装 /rtc 端点 URL
func buildSignalURL(urlStr, token string, reconnect bool) (string, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server url scheme: %s", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/rtc") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"
	}

	q := u.Query()
	q.Set("access_token", token)
	q.Set("protocol", fmt.Sprintf("%d", protocolVersion))
	q.Set("sdk", "go")
	if reconnect {
		q.Set("reconnect", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// closeReason 从接收错误中提取原因与关闭码
func closeReason(err error) (string, int) {
	if ce, ok := err.(*websocket.CloseError); ok {
		reason := ce.Text
		if reason == "" {
			reason = "connection closed"
		}
		return reason, ce.Code
	}
	return err.Error(), websocket.CloseAbnormalClosure
}

func toProtoSessionDescription(sd webrtc.SessionDescription) *livekit.SessionDescription {
	return &livekit.SessionDescription{
		Type: sd.Type.String(),
		Sdp:  sd.SDP,
	}
}

func fromProtoSessionDescription(sd *livekit.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.GetType()),
		SDP:  sd.GetSdp(),
	}
}

func decodeCandidateInit(encoded string) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(encoded), &init); err != nil {
		return init, err
	}
	return init, nil
}
