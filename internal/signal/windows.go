package signal

import "perp-backtest-lab/internal/domain"

// flowWindow is a two-pointer sliding window over flow buckets. The right
// pointer admits buckets with timestamp <= checkpoint; the left pointer
// evicts buckets older than checkpoint - lookback. Running sums are updated
// on admit/evict, never recomputed, so a full checkpoint sweep costs O(n+m).
type flowWindow struct {
	buckets    []*domain.FlowBucket
	lookbackMs int64
	left       int
	right      int

	buyNotional  float64
	sellNotional float64
	buyVolume    float64
	sellVolume   float64
}

func newFlowWindow(buckets []*domain.FlowBucket, lookbackMs int64) *flowWindow {
	return &flowWindow{buckets: buckets, lookbackMs: lookbackMs}
}

// advance moves both pointers to the given checkpoint. Checkpoints must be
// fed in ascending order.
func (w *flowWindow) advance(checkpointMs int64) {
	for w.right < len(w.buckets) && w.buckets[w.right].TimestampMs <= checkpointMs {
		b := w.buckets[w.right]
		w.buyNotional += b.BuyNotional
		w.sellNotional += b.SellNotional
		w.buyVolume += b.BuyVolume
		w.sellVolume += b.SellVolume
		w.right++
	}
	for w.left < w.right && w.buckets[w.left].TimestampMs < checkpointMs-w.lookbackMs {
		b := w.buckets[w.left]
		w.buyNotional -= b.BuyNotional
		w.sellNotional -= b.SellNotional
		w.buyVolume -= b.BuyVolume
		w.sellVolume -= b.SellVolume
		w.left++
	}
}

// empty reports whether no bucket is currently inside the window.
func (w *flowWindow) empty() bool { return w.left == w.right }

// last returns the most recently admitted bucket still inside the window.
func (w *flowWindow) last() *domain.FlowBucket {
	if w.empty() {
		return nil
	}
	return w.buckets[w.right-1]
}

// metricWindow is the same two-pointer scheme over metric points. It keeps
// no running sums; the value functions need only the window's first and
// last points plus the point immediately before the last.
type metricWindow struct {
	points     []*domain.MetricPoint
	lookbackMs int64
	left       int
	right      int
}

func newMetricWindow(points []*domain.MetricPoint, lookbackMs int64) *metricWindow {
	return &metricWindow{points: points, lookbackMs: lookbackMs}
}

func (w *metricWindow) advance(checkpointMs int64) {
	for w.right < len(w.points) && w.points[w.right].TimestampMs <= checkpointMs {
		w.right++
	}
	for w.left < w.right && w.points[w.left].TimestampMs < checkpointMs-w.lookbackMs {
		w.left++
	}
}

func (w *metricWindow) empty() bool { return w.left == w.right }

func (w *metricWindow) first() *domain.MetricPoint {
	if w.empty() {
		return nil
	}
	return w.points[w.left]
}

func (w *metricWindow) last() *domain.MetricPoint {
	if w.empty() {
		return nil
	}
	return w.points[w.right-1]
}

// prev returns the point immediately before the last admitted one, which
// may sit outside the window's left edge. Nil when the last point is the
// very first of the series.
func (w *metricWindow) prev() *domain.MetricPoint {
	if w.right < 2 {
		return nil
	}
	return w.points[w.right-2]
}
