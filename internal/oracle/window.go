package oracle

// DefaultMaxPrices 是价格窗口的默认容量。
const DefaultMaxPrices = 64

// PriceWindow 保存最近的价格样本（美分）。窗口满后新价格覆盖 price % max 位置。
type PriceWindow struct {
	max    int
	prices []uint32
}

// NewPriceWindow 创建容量为 max 的窗口。
func NewPriceWindow(max int) *PriceWindow {
	if max <= 0 {
		max = DefaultMaxPrices
	}
	return &PriceWindow{max: max, prices: make([]uint32, 0, max)}
}

// Add 写入一个价格样本。
func (w *PriceWindow) Add(price uint32) {
	if len(w.prices) < w.max {
		w.prices = append(w.prices, price)
		return
	}
	w.prices[int(price%uint32(w.max))] = price
}

// Average 返回窗口内价格的算术平均值。求和使用 uint64，均值不会超过 uint32。
func (w *PriceWindow) Average() (uint32, bool) {
	if len(w.prices) == 0 {
		return 0, false
	}
	var sum uint64
	for _, p := range w.prices {
		sum += uint64(p)
	}
	return uint32(sum / uint64(len(w.prices))), true
}

// Len 返回样本数量。
func (w *PriceWindow) Len() int { return len(w.prices) }

// Cap 返回窗口容量。
func (w *PriceWindow) Cap() int { return w.max }

// Prices 返回样本的副本。
func (w *PriceWindow) Prices() []uint32 {
	out := make([]uint32, len(w.prices))
	copy(out, w.prices)
	return out
}

func (w *PriceWindow) restore(prices []uint32) {
	w.prices = w.prices[:0]
	for _, p := range prices {
		w.Add(p)
	}
}
