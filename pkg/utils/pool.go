/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-10
 *
 * Buffer Pool - 字节切片缓存池
 * 用于减少高频 FFI 数据包收发时的内存分配和 GC 压力
 */
package utils

import (
	"sync"
)

// 默认缓冲区大小，覆盖绝大多数数据通道消息
// 信令协议限制单个 UserPacket 不超过 15KB，这里取 16KB
const defaultBufferSize = 16 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, defaultBufferSize)
	},
}

// GetBuffer 获取一个长度为 length 的切片
// 可能会返回复用的切片，也可能分配新的
func GetBuffer(length int) []byte {
	buf := bufferPool.Get().([]byte)

	// cap 不够时直接分配一次性切片，不参与复用
	if cap(buf) < length {
		bufferPool.Put(buf)
		return make([]byte, length)
	}

	return buf[:length]
}

// PutBuffer 将切片放回池中
// 过小的碎片不放回，保持池内对象大小稳定
func PutBuffer(buf []byte) {
	if cap(buf) < defaultBufferSize {
		return
	}
	bufferPool.Put(buf[:cap(buf)])
}
