package sizing

// KellyFraction 计算凯利公式给出的最优投注比例。
// f = (p*b - q) / b，其中 p 为胜率，q = 1-p，b 为盈亏比。
// 统计量不可用或期望为负时返回0，表示不应建仓。
func KellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if winRate <= 0 || winRate >= 1 {
		return 0
	}
	if avgLoss <= 0 || avgWin <= 0 {
		return 0
	}

	b := avgWin / avgLoss
	f := (winRate*b - (1 - winRate)) / b
	if f <= 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
