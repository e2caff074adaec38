/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-15
 *
 * Message Router - 入站信令与传输事件的分发
 * 控制面消息（offer/answer/trickle/leave/信令断开）进入状态机，
 * 信息面消息（参会者、说话人、静音、质量）原样上抛，不触碰状态机
 */
package rtc

import (
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"google.golang.org/protobuf/proto"

	"github.com/maiguangyang/room_client/pkg/signal"
)

// configureSignalCallbacks 注册信令通道回调，引擎生命周期内只接一次
func (e *Engine) configureSignalCallbacks() {
	e.client.SetCallbacks(signal.Callbacks{
		OnAnswer:              e.handleAnswer,
		OnOffer:               e.handleOffer,
		OnTrickle:             e.handleTrickle,
		OnLocalTrackPublished: e.handleLocalTrackPublished,
		OnParticipantUpdate: func(participants []*livekit.ParticipantInfo) {
			if cb := e.appCallbacks().OnParticipantUpdate; cb != nil {
				cb(participants)
			}
		},
		OnSpeakersChanged: func(speakers []*livekit.SpeakerInfo) {
			if cb := e.appCallbacks().OnSpeakersChanged; cb != nil {
				cb(speakers)
			}
		},
		OnMuteChanged: func(req *livekit.MuteTrackRequest) {
			if cb := e.appCallbacks().OnMuteChanged; cb != nil {
				cb(req)
			}
		},
		OnConnectionQuality: func(updates []*livekit.ConnectionQualityInfo) {
			if cb := e.appCallbacks().OnConnectionQuality; cb != nil {
				cb(updates)
			}
		},
		OnLeave: e.handleLeave,
		OnClose: e.handleSignalClose,
	})
}

func (e *Engine) appCallbacks() EngineCallbacks {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.callbacks
}

// configureTransportCallbacks 传输事件接线
func (e *Engine) configureTransportCallbacks(publisher, subscriber *PCTransport, subscriberPrimary bool) {
	// 本端 offer 只会出现在 publisher 上
	publisher.OnOffer(func(sd webrtc.SessionDescription) {
		if err := e.client.SendOffer(sd); err != nil {
			e.log.Warn("could not send offer: %v", err)
		}
	})

	publisher.PeerConnection().OnICECandidate(func(candidate *webrtc.ICECandidate) {
		e.sendICECandidate(candidate, livekit.SignalTarget_PUBLISHER)
	})
	subscriber.PeerConnection().OnICECandidate(func(candidate *webrtc.ICECandidate) {
		e.sendICECandidate(candidate, livekit.SignalTarget_SUBSCRIBER)
	})

	primary := publisher
	if subscriberPrimary {
		primary = subscriber
		// 服务端经 subscriber 下发数据通道
		subscriber.PeerConnection().OnDataChannel(e.handleSubscriberDataChannel)
	}
	primary.OnICEConnectionStateChange(e.handlePrimaryICEState)
}

func (e *Engine) sendICECandidate(candidate *webrtc.ICECandidate, target livekit.SignalTarget) {
	if candidate == nil {
		// 候选收集结束
		return
	}
	if err := e.client.SendICECandidate(candidate.ToJSON(), target); err != nil {
		e.log.Debug("could not trickle candidate: %v", err)
	}
}

// handlePrimaryICEState 主传输 ICE 状态驱动顶层状态机
// failed 优先按 full 模式重连，disconnected 先试 quick
func (e *Engine) handlePrimaryICEState(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected:
		e.mu.Lock()
		if e.state == ConnectionStateConnected {
			e.reconnectAttempts = 0
		}
		e.mu.Unlock()
	case webrtc.ICEConnectionStateFailed:
		e.handleDisconnect("primary transport ICE failed", ReconnectModeFull)
	case webrtc.ICEConnectionStateDisconnected:
		e.mu.RLock()
		connected := e.state == ConnectionStateConnected
		e.mu.RUnlock()
		if connected {
			e.handleDisconnect("primary transport ICE disconnected", ReconnectModeQuick)
		}
	}
}

// handleSignalClose 信令异常断开是进入重连的另一条触发路径
func (e *Engine) handleSignalClose(reason string, code int) {
	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()
	if state != ConnectionStateConnected {
		// 连接建立阶段的信令错误由 Connect 的同步路径处理；
		// 重连尝试期间的断开由 verifySignalConnected 判定该次尝试失败
		return
	}
	e.handleDisconnect(reason, ReconnectModeQuick)
}

// handleOffer 服务端驱动 subscriber 协商
func (e *Engine) handleOffer(sd webrtc.SessionDescription) {
	subscriber := e.subscriberTransport()
	if subscriber == nil {
		e.log.Warn("received offer before transports exist, ignoring")
		return
	}

	answer, err := subscriber.HandleRemoteOffer(sd)
	if err != nil {
		e.log.Error("could not handle subscriber offer: %v", err)
		return
	}
	if err := e.client.SendAnswer(answer); err != nil {
		e.log.Warn("could not send answer: %v", err)
	}
}

// handleAnswer 服务端应答 publisher 的 offer
func (e *Engine) handleAnswer(sd webrtc.SessionDescription) {
	publisher := e.publisherTransport()
	if publisher == nil {
		e.log.Warn("received answer before transports exist, ignoring")
		return
	}
	if err := publisher.SetRemoteDescription(sd); err != nil {
		e.log.Error("could not apply publisher answer: %v", err)
	}
}

// handleTrickle 按目标路由 ICE 候选
func (e *Engine) handleTrickle(init webrtc.ICECandidateInit, target livekit.SignalTarget) {
	var transport *PCTransport
	if target == livekit.SignalTarget_SUBSCRIBER {
		transport = e.subscriberTransport()
	} else {
		transport = e.publisherTransport()
	}
	if transport == nil {
		e.log.Debug("dropping trickle for %s: no transport", target)
		return
	}
	if err := transport.AddICECandidate(init); err != nil {
		e.log.Warn("could not add remote candidate (%s): %v", target, err)
	}
}

// handleLocalTrackPublished 以 cid 匹配在途 AddTrack 并单次 resolve
// 匹配按 cid 而不是到达顺序，乱序确认不会串台
func (e *Engine) handleLocalTrackPublished(res *livekit.TrackPublishedResponse) {
	cid := res.GetCid()

	e.mu.Lock()
	confirm, ok := e.pendingTracks[cid]
	if ok {
		delete(e.pendingTracks, cid)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Warn("track published confirmation for unknown cid %q, ignoring", cid)
		return
	}
	confirm <- res.GetTrack()
}

// handleLeave 服务端指示离开
func (e *Engine) handleLeave(req *livekit.LeaveRequest) {
	if req.GetCanReconnect() {
		e.handleDisconnect("server requested reconnect", ReconnectModeFull)
		return
	}
	e.log.Info("server requested leave (reason=%s)", req.GetReason())
	e.teardown(nil)
}

// handleSubscriberDataChannel 记录服务端下发的数据通道并挂接收处理
func (e *Engine) handleSubscriberDataChannel(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case reliableDataChannelName:
		e.mu.Lock()
		e.reliableDCSub = dc
		e.mu.Unlock()
	case lossyDataChannelName:
		e.mu.Lock()
		e.lossyDCSub = dc
		e.mu.Unlock()
	default:
		e.log.Warn("unknown data channel %q from server, ignoring", dc.Label())
		return
	}
	dc.OnMessage(e.handleDataMessage)
}

// handleDataMessage 入站数据包解码并上抛
func (e *Engine) handleDataMessage(msg webrtc.DataChannelMessage) {
	packet := &livekit.DataPacket{}
	if err := proto.Unmarshal(msg.Data, packet); err != nil {
		e.log.Warn("could not decode data packet: %v", err)
		return
	}
	e.stats.AddDataReceived(len(msg.Data))

	switch value := packet.Value.(type) {
	case *livekit.DataPacket_User:
		if cb := e.appCallbacks().OnDataReceived; cb != nil {
			cb(value.User.GetPayload(), value.User.GetTopic(), packet.GetKind())
		}
	default:
		e.log.Debug("ignoring non-user data packet %T", packet.Value)
	}
}

func marshalDataPacket(packet *livekit.DataPacket) ([]byte, error) {
	return proto.Marshal(packet)
}
