package service

import (
	"math"
	"math/rand"
	"time"
)

// 超过后 base·2ⁿ 必然超过上限
const maxShift = 62

// Backoff min(ceiling, base·2ⁿ) 再加 [0, 10%] 的随机抖动。rnd 返回 [0,1)。
func Backoff(n int, base, ceiling time.Duration, rnd func() float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if ceiling < base {
		ceiling = base
	}
	if n < 0 {
		n = 0
	}
	d := ceiling
	if n < maxShift {
		if scaled := float64(base) * math.Pow(2, float64(n)); scaled < float64(ceiling) {
			d = time.Duration(scaled)
		}
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return d + time.Duration(rnd()*0.1*float64(d))
}
