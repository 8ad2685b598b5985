package marketdata

// UShapedVolumeProfile 返回归一化的日内成交量分布。
// 美股日内成交呈U形：开盘与收盘时段放量，午盘清淡。
// 以二次函数近似，桶权重之和为1。
func UShapedVolumeProfile(buckets int) []float64 {
	if buckets <= 0 {
		return nil
	}
	if buckets == 1 {
		return []float64{1}
	}

	weights := make([]float64, buckets)
	var total float64
	for i := 0; i < buckets; i++ {
		// x ∈ [-1, 1]，两端权重约为中部的3倍
		x := -1 + 2*float64(i)/float64(buckets-1)
		w := 1 + 2*x*x
		weights[i] = w
		total += w
	}

	for i := range weights {
		weights[i] /= total
	}
	return weights
}
