/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-14
 *
 * Reconnect Backoff - 重连退避曲线
 * 在基础延迟和最大延迟之间按缓动曲线取值：
 * 前几次重试间隔接近基础值，越往后越接近上限，
 * 避免大量客户端在服务端恢复瞬间同时发起重连
 */
package rtc

import (
	"time"
)

// ReconnectDelay 计算第 attempt 次（0 起）重连前的等待时间
// 采用二次缓动（ease-in-out）：
// - attempt 0 略高于 base
// - 最后一次恰好等于 max，不会越界
func ReconnectDelay(attempt, totalAttempts int, base, max time.Duration) time.Duration {
	if totalAttempts <= 1 || attempt >= totalAttempts-1 {
		return max
	}
	if attempt < 0 {
		attempt = 0
	}
	if max <= base {
		return base
	}

	// 进度取 (attempt+1)/totalAttempts，保证首次延迟严格大于 base
	t := float64(attempt+1) / float64(totalAttempts)
	eased := easeInOutQuad(t)

	return base + time.Duration(float64(max-base)*eased)
}

// easeInOutQuad 二次缓动，t ∈ [0,1]
func easeInOutQuad(t float64) float64 {
	if t < 0.5 {
		return 2 * t * t
	}
	d := -2*t + 2
	return 1 - d*d/2
}
