/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-12
 */
package signal

import "errors"

var (
	// ErrNotConnected indicates the signaling stream is not open
	ErrNotConnected = errors.New("signal client is not connected")

	// ErrNoJoinResponse indicates the server did not answer the join handshake
	ErrNoJoinResponse = errors.New("no join response received")

	// ErrJoinRejected indicates the server refused the join handshake
	ErrJoinRejected = errors.New("join rejected by server")

	// ErrClientClosed indicates the client has been closed
	ErrClientClosed = errors.New("signal client is closed")
)
