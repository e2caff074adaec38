/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-17
 */
package rtc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
	"google.golang.org/protobuf/proto"
)

// mockSFU 进程内模拟服务端：
// 接受 /rtc 信令连接并以真实 PeerConnection 参与媒体协商，
// subscriber 侧由服务端主动发 offer，publisher 侧应答客户端的 offer。
// subscriber PC 跨信令连接保留，reconnect=1 时在其上做 ICE 重启。
type mockSFU struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	subscriberPrimary     bool
	ignorePublisherOffers bool
	holdTrackPublished    bool

	// 非零时每条 reconnect=1 连接在升级后立即被掐断
	killReconnects int32

	mu          sync.Mutex
	currentConn *websocket.Conn
	subPC       *webrtc.PeerConnection
	pubPC       *webrtc.PeerConnection

	pendingSubCandidates []webrtc.ICECandidateInit
	pendingPubCandidates []webrtc.ICECandidateInit

	joinCount       int32
	reconnectCount  int32
	publisherOffers int32

	leaves      chan *livekit.LeaveRequest
	dataPackets chan *livekit.DataPacket
}

func newMockSFU(t *testing.T) *mockSFU {
	t.Helper()
	s := &mockSFU{
		t:                 t,
		subscriberPrimary: true,
		leaves:            make(chan *livekit.LeaveRequest, 4),
		dataPackets:       make(chan *livekit.DataPacket, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.shutdown)
	return s
}

func (s *mockSFU) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// dropSignal 直接断开当前信令连接，不发关闭帧，模拟信令通道异常中断
func (s *mockSFU) dropSignal() {
	s.mu.Lock()
	conn := s.currentConn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// shutdown 关闭所有连接与监听，之后的拨号全部失败
func (s *mockSFU) shutdown() {
	s.mu.Lock()
	if s.currentConn != nil {
		s.currentConn.Close()
		s.currentConn = nil
	}
	subPC, pubPC := s.subPC, s.pubPC
	s.subPC, s.pubPC = nil, nil
	s.mu.Unlock()

	if subPC != nil {
		subPC.Close()
	}
	if pubPC != nil {
		pubPC.Close()
	}
	s.srv.Close()
}

func (s *mockSFU) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reconnect := r.URL.Query().Get("reconnect") == "1"

	s.mu.Lock()
	s.currentConn = conn
	s.mu.Unlock()

	if reconnect {
		atomic.AddInt32(&s.reconnectCount, 1)
		if atomic.LoadInt32(&s.killReconnects) != 0 {
			return
		}
		s.sendSubscriberOffer(&webrtc.OfferOptions{ICERestart: true})
	} else {
		atomic.AddInt32(&s.joinCount, 1)
		s.writeSignal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Join{
				Join: &livekit.JoinResponse{
					Room:              &livekit.Room{Name: "mock-room"},
					Participant:       &livekit.ParticipantInfo{Sid: "PA_mock", Identity: "mock-user"},
					SubscriberPrimary: s.subscriberPrimary,
				},
			},
		})
		if err := s.resetSubscriberPC(); err != nil {
			s.t.Errorf("sfu: subscriber pc: %v", err)
			return
		}
		s.sendSubscriberOffer(nil)
	}

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		req := &livekit.SignalRequest{}
		if err := proto.Unmarshal(payload, req); err != nil {
			s.t.Errorf("sfu: bad request: %v", err)
			continue
		}
		s.handleRequest(req)
	}
}

// resetSubscriberPC 完整 Join 时重建服务端 subscriber 侧连接
func (s *mockSFU) resetSubscriberPC() error {
	s.mu.Lock()
	old := s.subPC
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return err
	}
	ordered := true
	if _, err := pc.CreateDataChannel("_reliable", &webrtc.DataChannelInit{Ordered: &ordered}); err != nil {
		return err
	}
	unordered := false
	maxRetransmits := uint16(0)
	if _, err := pc.CreateDataChannel("_lossy", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &maxRetransmits,
	}); err != nil {
		return err
	}
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		s.sendTrickle(candidate, livekit.SignalTarget_SUBSCRIBER)
	})

	s.mu.Lock()
	s.subPC = pc
	s.pendingSubCandidates = nil
	s.mu.Unlock()
	return nil
}

func (s *mockSFU) sendSubscriberOffer(options *webrtc.OfferOptions) {
	s.mu.Lock()
	pc := s.subPC
	s.mu.Unlock()
	if pc == nil {
		return
	}

	offer, err := pc.CreateOffer(options)
	if err != nil {
		s.t.Errorf("sfu: create subscriber offer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.t.Errorf("sfu: set subscriber local description: %v", err)
		return
	}
	s.writeSignal(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Offer{
			Offer: &livekit.SessionDescription{Type: offer.Type.String(), Sdp: offer.SDP},
		},
	})
}

func (s *mockSFU) handleRequest(req *livekit.SignalRequest) {
	switch msg := req.Message.(type) {
	case *livekit.SignalRequest_Answer:
		s.handleSubscriberAnswer(webrtc.SessionDescription{
			Type: webrtc.NewSDPType(msg.Answer.GetType()),
			SDP:  msg.Answer.GetSdp(),
		})
	case *livekit.SignalRequest_Offer:
		atomic.AddInt32(&s.publisherOffers, 1)
		if s.ignorePublisherOffers {
			return
		}
		s.handlePublisherOffer(webrtc.SessionDescription{
			Type: webrtc.NewSDPType(msg.Offer.GetType()),
			SDP:  msg.Offer.GetSdp(),
		})
	case *livekit.SignalRequest_Trickle:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Trickle.GetCandidateInit()), &init); err != nil {
			s.t.Errorf("sfu: bad trickle: %v", err)
			return
		}
		s.handleTrickle(init, msg.Trickle.GetTarget())
	case *livekit.SignalRequest_AddTrack:
		if s.holdTrackPublished {
			return
		}
		s.writeSignal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_TrackPublished{
				TrackPublished: &livekit.TrackPublishedResponse{
					Cid: msg.AddTrack.GetCid(),
					Track: &livekit.TrackInfo{
						Sid:  "TR_" + msg.AddTrack.GetCid(),
						Name: msg.AddTrack.GetName(),
						Type: msg.AddTrack.GetType(),
					},
				},
			},
		})
	case *livekit.SignalRequest_Ping:
		s.writeSignal(&livekit.SignalResponse{
			Message: &livekit.SignalResponse_Pong{Pong: time.Now().UnixMilli()},
		})
	case *livekit.SignalRequest_Leave:
		select {
		case s.leaves <- msg.Leave:
		default:
		}
	}
}

func (s *mockSFU) handleSubscriberAnswer(sd webrtc.SessionDescription) {
	s.mu.Lock()
	pc := s.subPC
	s.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(sd); err != nil {
		s.t.Errorf("sfu: apply subscriber answer: %v", err)
		return
	}

	s.mu.Lock()
	pending := s.pendingSubCandidates
	s.pendingSubCandidates = nil
	s.mu.Unlock()
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.t.Logf("sfu: buffered subscriber candidate: %v", err)
		}
	}
}

func (s *mockSFU) handlePublisherOffer(sd webrtc.SessionDescription) {
	s.mu.Lock()
	pc := s.pubPC
	s.mu.Unlock()

	if pc == nil {
		var err error
		pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			s.t.Errorf("sfu: publisher pc: %v", err)
			return
		}
		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			s.sendTrickle(candidate, livekit.SignalTarget_PUBLISHER)
		})
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				packet := &livekit.DataPacket{}
				if err := proto.Unmarshal(msg.Data, packet); err != nil {
					s.t.Errorf("sfu: bad data packet: %v", err)
					return
				}
				select {
				case s.dataPackets <- packet:
				default:
				}
			})
		})
		s.mu.Lock()
		s.pubPC = pc
		s.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(sd); err != nil {
		s.t.Errorf("sfu: apply publisher offer: %v", err)
		return
	}

	s.mu.Lock()
	pending := s.pendingPubCandidates
	s.pendingPubCandidates = nil
	s.mu.Unlock()
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.t.Logf("sfu: buffered publisher candidate: %v", err)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.t.Errorf("sfu: create publisher answer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.t.Errorf("sfu: set publisher local description: %v", err)
		return
	}
	s.writeSignal(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Answer{
			Answer: &livekit.SessionDescription{Type: answer.Type.String(), Sdp: answer.SDP},
		},
	})
}

func (s *mockSFU) handleTrickle(init webrtc.ICECandidateInit, target livekit.SignalTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if target == livekit.SignalTarget_SUBSCRIBER {
		pc := s.subPC
		// offer 在途或还没有 answer 时先缓存，ufrag 才能匹配
		if pc == nil || pc.RemoteDescription() == nil ||
			pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			s.pendingSubCandidates = append(s.pendingSubCandidates, init)
			return
		}
		if err := pc.AddICECandidate(init); err != nil {
			s.t.Logf("sfu: subscriber candidate: %v", err)
		}
		return
	}

	pc := s.pubPC
	if pc == nil || pc.RemoteDescription() == nil {
		s.pendingPubCandidates = append(s.pendingPubCandidates, init)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		s.t.Logf("sfu: publisher candidate: %v", err)
	}
}

func (s *mockSFU) sendTrickle(candidate *webrtc.ICECandidate, target livekit.SignalTarget) {
	if candidate == nil {
		return
	}
	encoded, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		s.t.Errorf("sfu: encode candidate: %v", err)
		return
	}
	s.writeSignal(&livekit.SignalResponse{
		Message: &livekit.SignalResponse_Trickle{
			Trickle: &livekit.TrickleRequest{CandidateInit: string(encoded), Target: target},
		},
	})
}

func (s *mockSFU) writeSignal(res *livekit.SignalResponse) {
	payload, err := proto.Marshal(res)
	if err != nil {
		s.t.Errorf("sfu: marshal response: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentConn == nil {
		return
	}
	if err := s.currentConn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		s.t.Logf("sfu: write: %v", err)
	}
}
