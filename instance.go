/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-16
 *
 * Instance management for Engine instances.
 * Uses sync.Map for thread-safe access from multiple goroutines.
 */
package main

import (
	"sync"

	"github.com/maiguangyang/room_client/pkg/rtc"
)

var (
	// Engine instances: roomID -> *rtc.Engine
	engines sync.Map
)

// registerEngine registers an engine for a room
func registerEngine(roomID string, e *rtc.Engine) {
	// Close existing engine if any
	if existing, ok := engines.Load(roomID); ok {
		existing.(*rtc.Engine).Close()
	}
	engines.Store(roomID, e)
}

// getEngine returns an engine by room ID
func getEngine(roomID string) *rtc.Engine {
	if v, ok := engines.Load(roomID); ok {
		return v.(*rtc.Engine)
	}
	return nil
}

// unregisterEngine removes an engine
func unregisterEngine(roomID string) {
	if v, ok := engines.Load(roomID); ok {
		v.(*rtc.Engine).Close()
		engines.Delete(roomID)
	}
}

// cleanupAllEngines closes all engines
func cleanupAllEngines() {
	engines.Range(func(key, value interface{}) bool {
		if e, ok := value.(*rtc.Engine); ok {
			e.Close()
		}
		engines.Delete(key)
		return true
	})
}
