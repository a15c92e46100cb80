package requeststore

import "sync/atomic"

// Clock 單調遞增的邏輯時鐘，只用於因果排序，與牆上時間無關
type Clock struct {
	seq atomic.Uint64
}

// Current 讀取目前的序號，不消耗新值
func (c *Clock) Current() uint64 {
	return c.seq.Load()
}

// Next 消耗並回傳下一個序號
func (c *Clock) Next() uint64 {
	return c.seq.Add(1)
}

// advanceTo 把時鐘推進到至少 v（快取還原時使用）
func (c *Clock) advanceTo(v uint64) {
	for {
		cur := c.seq.Load()
		if cur >= v || c.seq.CompareAndSwap(cur, v) {
			return
		}
	}
}
