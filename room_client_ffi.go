/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-16
 *
 * Room Client FFI Exports
 * 连接引擎相关的 C 导出函数
 * 连接/断开为异步执行，结果经事件回调返回宿主
 */
package main

/*
#include <stdlib.h>
#include <stdint.h>
*/
import "C"

import (
	"context"
	"encoding/json"
	"time"
	"unsafe"

	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/maiguangyang/room_client/pkg/rtc"
	"github.com/maiguangyang/room_client/pkg/utils"
)

// 连接建立（含 Join 握手与 ICE）总超时
const connectTimeout = 30 * time.Second

// ffiEngineConfig RoomCreate 的 JSON 配置
type ffiEngineConfig struct {
	MaxReconnectAttempts int   `json:"max_reconnect_attempts"`
	ReconnectBaseDelayMs int64 `json:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int64 `json:"reconnect_max_delay_ms"`
	QuickReconnectLimit  int   `json:"quick_reconnect_limit"`
	ICEConnectTimeoutMs  int64 `json:"ice_connect_timeout_ms"`
	AddTrackTimeoutMs    int64 `json:"add_track_timeout_ms"`
}

// RoomCreate 创建房间引擎实例
// configJSON 可为空，空时使用默认配置
//
//export RoomCreate
func RoomCreate(roomID *C.char, configJSON *C.char) C.int {
	goRoomID := C.GoString(roomID)

	config := rtc.DefaultEngineConfig()
	if configJSON != nil {
		goConfig := C.GoString(configJSON)
		if goConfig != "" {
			var ffiConfig ffiEngineConfig
			if err := json.Unmarshal([]byte(goConfig), &ffiConfig); err != nil {
				utils.Error("RoomCreate %s: invalid config: %v", goRoomID, err)
				return C.int(-1)
			}
			applyFFIConfig(&config, ffiConfig)
		}
	}

	engine, err := rtc.NewEngine(config)
	if err != nil {
		utils.Error("RoomCreate %s failed: %v", goRoomID, err)
		return C.int(-1)
	}

	engine.SetCallbacks(engineCallbacks(goRoomID))
	registerEngine(goRoomID, engine)

	utils.Info("Engine created for room: %s", goRoomID)
	return C.int(0)
}

// applyFFIConfig 覆盖非零配置项
func applyFFIConfig(config *rtc.EngineConfig, ffi ffiEngineConfig) {
	if ffi.MaxReconnectAttempts > 0 {
		config.MaxReconnectAttempts = ffi.MaxReconnectAttempts
	}
	if ffi.ReconnectBaseDelayMs > 0 {
		config.ReconnectBaseDelay = time.Duration(ffi.ReconnectBaseDelayMs) * time.Millisecond
	}
	if ffi.ReconnectMaxDelayMs > 0 {
		config.ReconnectMaxDelay = time.Duration(ffi.ReconnectMaxDelayMs) * time.Millisecond
	}
	if ffi.QuickReconnectLimit > 0 {
		config.QuickReconnectLimit = ffi.QuickReconnectLimit
	}
	if ffi.ICEConnectTimeoutMs > 0 {
		config.ICEConnectTimeout = time.Duration(ffi.ICEConnectTimeoutMs) * time.Millisecond
	}
	if ffi.AddTrackTimeoutMs > 0 {
		config.AddTrackTimeout = time.Duration(ffi.AddTrackTimeoutMs) * time.Millisecond
	}
}

// engineCallbacks 引擎事件到 FFI 事件的桥接
func engineCallbacks(roomID string) rtc.EngineCallbacks {
	return rtc.EngineCallbacks{
		OnConnectionStateChanged: func(state rtc.ConnectionState) {
			emitEvent(EventTypeConnectionState, roomID, state.String())
		},
		OnDisconnected: func(reason error) {
			data := ""
			if reason != nil {
				data = reason.Error()
			}
			emitEvent(EventTypeDisconnected, roomID, data)
		},
		OnReconnecting: func(mode rtc.ReconnectMode) {
			emitEvent(EventTypeReconnecting, roomID, mode.String())
		},
		OnReconnected: func(mode rtc.ReconnectMode) {
			emitEvent(EventTypeReconnected, roomID, mode.String())
		},
		OnParticipantUpdate: func(participants []*livekit.ParticipantInfo) {
			emitEvent(EventTypeParticipantUpdate, roomID, marshalProtoList(participants))
		},
		OnSpeakersChanged: func(speakers []*livekit.SpeakerInfo) {
			emitEvent(EventTypeSpeakersChanged, roomID, marshalProtoList(speakers))
		},
		OnMuteChanged: func(req *livekit.MuteTrackRequest) {
			data, _ := protojson.Marshal(req)
			emitEvent(EventTypeMuteChanged, roomID, string(data))
		},
		OnConnectionQuality: func(updates []*livekit.ConnectionQualityInfo) {
			emitEvent(EventTypeConnectionQuality, roomID, marshalProtoList(updates))
		},
		OnDataReceived: func(payload []byte, topic string, kind livekit.DataPacket_Kind) {
			data, _ := json.Marshal(map[string]interface{}{
				"payload": payload, // base64 编码
				"topic":   topic,
				"lossy":   kind == livekit.DataPacket_LOSSY,
			})
			emitEvent(EventTypeDataReceived, roomID, string(data))
		},
	}
}

// marshalProtoList protobuf 消息列表转 JSON 数组
func marshalProtoList[T proto.Message](items []T) string {
	parts := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		data, err := protojson.Marshal(item)
		if err != nil {
			continue
		}
		parts = append(parts, data)
	}
	out, _ := json.Marshal(parts)
	return string(out)
}

// RoomConnect 发起连接，结果经事件回调返回
//
//export RoomConnect
func RoomConnect(roomID *C.char, url *C.char, token *C.char) C.int {
	goRoomID := C.GoString(roomID)
	goURL := C.GoString(url)
	goToken := C.GoString(token)

	engine := getEngine(goRoomID)
	if engine == nil {
		return C.int(-1)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := engine.Connect(ctx, goURL, goToken); err != nil {
			utils.Error("RoomConnect %s failed: %v", goRoomID, err)
			emitEvent(EventTypeError, goRoomID, err.Error())
		}
	}()

	return C.int(0)
}

// RoomDisconnect 主动断开
//
//export RoomDisconnect
func RoomDisconnect(roomID *C.char) C.int {
	goRoomID := C.GoString(roomID)

	engine := getEngine(goRoomID)
	if engine == nil {
		return C.int(-1)
	}
	engine.Disconnect()
	return C.int(0)
}

// RoomDestroy 断开并销毁实例
//
//export RoomDestroy
func RoomDestroy(roomID *C.char) C.int {
	goRoomID := C.GoString(roomID)
	unregisterEngine(goRoomID)
	utils.Info("Engine destroyed for room: %s", goRoomID)
	return C.int(0)
}

// RoomAddTrack 发布轨道（信令往返），确认经 TrackPublished 事件返回
// kind: 0=audio 1=video
//
//export RoomAddTrack
func RoomAddTrack(roomID *C.char, cid *C.char, name *C.char, kind C.int, width C.int, height C.int) C.int {
	goRoomID := C.GoString(roomID)
	goCid := C.GoString(cid)
	goName := C.GoString(name)

	engine := getEngine(goRoomID)
	if engine == nil {
		return C.int(-1)
	}

	trackType := livekit.TrackType_AUDIO
	if kind == 1 {
		trackType = livekit.TrackType_VIDEO
	}

	go func() {
		info, err := engine.AddTrack(context.Background(), goCid, goName, trackType, uint32(width), uint32(height))
		if err != nil {
			utils.Error("RoomAddTrack %s (cid=%s) failed: %v", goRoomID, goCid, err)
			emitEvent(EventTypeError, goRoomID, err.Error())
			return
		}
		data, _ := protojson.Marshal(info)
		emitEvent(EventTypeTrackPublished, goRoomID, string(data))
	}()

	return C.int(0)
}

// RoomPublishData 发送数据包
// lossy != 0 时走不可靠通道
//
//export RoomPublishData
func RoomPublishData(roomID *C.char, data unsafe.Pointer, length C.int, lossy C.int, topic *C.char) C.int {
	goRoomID := C.GoString(roomID)

	engine := getEngine(goRoomID)
	if engine == nil || data == nil || length <= 0 {
		return C.int(-1)
	}

	// 拷贝进池化缓冲，避免持有 C 内存
	payload := utils.GetBuffer(int(length))
	copy(payload, unsafe.Slice((*byte)(data), int(length)))

	kind := livekit.DataPacket_RELIABLE
	if lossy != 0 {
		kind = livekit.DataPacket_LOSSY
	}
	goTopic := C.GoString(topic)

	go func() {
		defer utils.PutBuffer(payload)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := engine.SendDataPacket(ctx, payload, goTopic, kind); err != nil {
			utils.Error("RoomPublishData %s failed: %v", goRoomID, err)
			emitEvent(EventTypeError, goRoomID, err.Error())
		}
	}()

	return C.int(0)
}

// RoomMuteTrack 变更本地轨道静音状态
//
//export RoomMuteTrack
func RoomMuteTrack(roomID *C.char, sid *C.char, muted C.int) C.int {
	goRoomID := C.GoString(roomID)

	engine := getEngine(goRoomID)
	if engine == nil {
		return C.int(-1)
	}
	if err := engine.MuteTrack(C.GoString(sid), muted != 0); err != nil {
		return C.int(-1)
	}
	return C.int(0)
}

// RoomUpdateSubscription 更新订阅关系
// trackSidsJSON: JSON 字符串数组
//
//export RoomUpdateSubscription
func RoomUpdateSubscription(roomID *C.char, trackSidsJSON *C.char, subscribe C.int) C.int {
	goRoomID := C.GoString(roomID)

	engine := getEngine(goRoomID)
	if engine == nil {
		return C.int(-1)
	}

	var sids []string
	if trackSidsJSON != nil {
		if err := json.Unmarshal([]byte(C.GoString(trackSidsJSON)), &sids); err != nil {
			utils.Error("RoomUpdateSubscription %s: invalid sids: %v", goRoomID, err)
			return C.int(-1)
		}
	}

	if err := engine.UpdateSubscription(&livekit.UpdateSubscription{
		TrackSids: sids,
		Subscribe: subscribe != 0,
	}); err != nil {
		return C.int(-1)
	}
	return C.int(0)
}

// RoomGetState 返回连接状态字符串
//
//export RoomGetState
func RoomGetState(roomID *C.char) *C.char {
	engine := getEngine(C.GoString(roomID))
	if engine == nil {
		return nil
	}
	return C.CString(engine.State().String())
}

// RoomGetStats 返回会话统计 JSON
//
//export RoomGetStats
func RoomGetStats(roomID *C.char) *C.char {
	engine := getEngine(C.GoString(roomID))
	if engine == nil {
		return nil
	}
	return C.CString(engine.Stats().JSON())
}
