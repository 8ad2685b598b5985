package paper

// impactBps 估算一笔订单的市场冲击（基点）。
// 线性模型：参与率 × 100 × 冲击系数，再叠加半价差。
func impactBps(qty, adv, coefficient, halfSpreadBps float64) float64 {
	if adv <= 0 || qty <= 0 {
		return halfSpreadBps
	}
	return (qty/adv)*100*coefficient + halfSpreadBps
}

// applyImpact 按方向把冲击叠加到中间价上：买单抬价，卖单压价。
func applyImpact(mid float64, bps float64, sign float64) float64 {
	return mid * (1 + sign*bps/10000)
}
