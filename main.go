/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-16
 *
 * Room Client - Conferencing Client Core
 * This is the main entry point for C-shared library exports.
 * All functions with //export comments are exposed to Dart FFI.
 *
 * The core (signaling channel, peer transports, reconnection engine)
 * lives in pkg/signal and pkg/rtc; this layer only bridges callbacks
 * and instance handles across the FFI boundary.
 */
package main

/*
#include <stdlib.h>
#include <stdint.h>

// Callback function types for events
typedef void (*EventCallback)(int eventType, const char* roomId, const char* data);
typedef void (*LogCallback)(int level, const char* message);

// Store the callbacks
static EventCallback eventCallback = NULL;
static LogCallback logCallback = NULL;

// Setter functions
static void setEventCallback(EventCallback cb) {
    eventCallback = cb;
}

static void setLogCallback(LogCallback cb) {
    logCallback = cb;
}

// Caller functions (to be called from Go)
static void callEventCallback(int eventType, const char* roomId, const char* data) {
    if (eventCallback != NULL) {
        eventCallback(eventType, roomId, data);
    }
}

static void callLogCallback(int level, const char* message) {
    if (logCallback != NULL) {
        logCallback(level, message);
    }
}
*/
import "C"

import (
	"unsafe"

	"github.com/maiguangyang/room_client/pkg/utils"
)

// Event types for callbacks
const (
	EventTypeConnectionState   = 1
	EventTypeDisconnected      = 2
	EventTypeReconnecting      = 3
	EventTypeReconnected       = 4
	EventTypeParticipantUpdate = 5
	EventTypeTrackPublished    = 6
	EventTypeMuteChanged       = 7
	EventTypeSpeakersChanged   = 8
	EventTypeConnectionQuality = 9
	EventTypeDataReceived      = 10
	EventTypeError             = 11
)

// ==========================================
// Callback Registration
// ==========================================

//export SetEventCallback
func SetEventCallback(callback C.EventCallback) {
	C.setEventCallback(callback)
	utils.Info("Event callback registered")
}

//export SetLogCallback
func SetLogCallback(callback C.LogCallback) {
	C.setLogCallback(callback)

	// Also set the Go logger callback
	utils.SetCallback(func(level utils.LogLevel, message string) {
		cMessage := C.CString(message)
		// Do not free cMessage here; it must be freed by the Dart side to avoid Use-After-Free
		// in async callbacks.
		C.callLogCallback(C.int(level), cMessage)
	})

	utils.Info("Log callback registered")
}

//export SetLogLevel
func SetLogLevel(level C.int) {
	utils.SetLevel(utils.LogLevel(level))
}

// ==========================================
// Utility Functions
// ==========================================

//export FreeString
func FreeString(s *C.char) {
	C.free(unsafe.Pointer(s))
}

//export CleanupAll
func CleanupAll() {
	cleanupAllEngines()
	utils.Info("All resources cleaned up")
}

//export GetVersion
func GetVersion() *C.char {
	return C.CString("1.0.0-roomclient")
}

// emitEvent sends an event through the callback
func emitEvent(eventType int, roomID, data string) {
	cRoomID := C.CString(roomID)
	cData := C.CString(data)

	defer C.free(unsafe.Pointer(cRoomID))
	defer C.free(unsafe.Pointer(cData))

	C.callEventCallback(C.int(eventType), cRoomID, cData)
}

// main is required but not used for c-shared library
func main() {}
