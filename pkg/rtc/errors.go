/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-14
 */
package rtc

import "errors"

var (
	// ErrEngineClosed indicates the engine has been closed
	ErrEngineClosed = errors.New("engine is closed")

	// ErrNotConnected indicates the engine is not connected
	ErrNotConnected = errors.New("engine is not connected")

	// ErrTransportClosed indicates the peer transport has been closed
	ErrTransportClosed = errors.New("transport is closed")

	// ErrCouldNotReconnect indicates all reconnect attempts were exhausted
	ErrCouldNotReconnect = errors.New("could not reconnect to server")

	// ErrDuplicateCid indicates a track publish reused an in-flight cid
	ErrDuplicateCid = errors.New("a track with the same cid is already being published")

	// ErrAddTrackTimeout indicates the server never confirmed an add-track request
	ErrAddTrackTimeout = errors.New("timed out waiting for track publish confirmation")

	// ErrICEConnectionTimeout indicates the transport never reached ICE connected
	ErrICEConnectionTimeout = errors.New("timed out waiting for ICE connection")

	// ErrDataChannelClosed indicates the requested data channel is not open
	ErrDataChannelClosed = errors.New("data channel is not open")

	// ErrPayloadTooLarge indicates a data packet exceeds the channel limit
	ErrPayloadTooLarge = errors.New("data packet payload exceeds limit")
)
