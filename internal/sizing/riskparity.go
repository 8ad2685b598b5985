package sizing

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	riskParityMinObservations = 20
	riskParityMaxIterations   = 500
	riskParityTolerance       = 1e-6
)

// riskParity 求解等风险贡献权重：每个标的对组合方差的贡献相等。
// 采用乘法迭代，协方差矩阵由对齐的日收益率序列估计。
func (s *Sizer) riskParity(candidates []Candidate, returns map[string][]float64) (Allocation, error) {
	k := len(candidates)
	if k == 0 {
		return Allocation{}, nil
	}
	if k == 1 {
		return Allocation{candidates[0].Symbol: 1}, nil
	}

	// 对齐各标的的收益率序列到共同长度
	minLen := math.MaxInt
	for _, c := range candidates {
		series, ok := returns[c.Symbol]
		if !ok || len(series) < riskParityMinObservations {
			return nil, fmt.Errorf("sizing: %s 收益率序列不足 %d 个观测", c.Symbol, riskParityMinObservations)
		}
		if len(series) < minLen {
			minLen = len(series)
		}
	}

	data := mat.NewDense(minLen, k, nil)
	for j, c := range candidates {
		series := returns[c.Symbol]
		offset := len(series) - minLen
		for i := 0; i < minLen; i++ {
			data.Set(i, j, series[offset+i])
		}
	}

	cov := mat.NewSymDense(k, nil)
	stat.CovarianceMatrix(cov, data, nil)
	for i := 0; i < k; i++ {
		if cov.At(i, i) <= 0 {
			return nil, fmt.Errorf("sizing: %s 方差为零，协方差矩阵退化", candidates[i].Symbol)
		}
	}

	// 初值取逆波动率
	w := mat.NewVecDense(k, nil)
	var init float64
	for i := 0; i < k; i++ {
		v := 1 / math.Sqrt(cov.At(i, i))
		w.SetVec(i, v)
		init += v
	}
	w.ScaleVec(1/init, w)

	target := 1 / float64(k)
	var sigmaW mat.VecDense
	for iter := 0; iter < riskParityMaxIterations; iter++ {
		sigmaW.MulVec(cov, w)
		portfolioVar := mat.Dot(w, &sigmaW)
		if portfolioVar <= 0 {
			return nil, errors.New("sizing: 组合方差非正，迭代发散")
		}

		// RC_i / 总方差 与 1/k 的最大偏差作为收敛判据
		maxDev := 0.0
		for i := 0; i < k; i++ {
			rc := w.AtVec(i) * sigmaW.AtVec(i) / portfolioVar
			if dev := math.Abs(rc - target); dev > maxDev {
				maxDev = dev
			}
		}
		if maxDev < riskParityTolerance {
			break
		}

		var total float64
		for i := 0; i < k; i++ {
			mrc := sigmaW.AtVec(i)
			if mrc <= 0 {
				return nil, errors.New("sizing: 边际风险贡献非正，存在强负相关标的")
			}
			next := w.AtVec(i) * math.Sqrt(target*portfolioVar/(w.AtVec(i)*mrc))
			w.SetVec(i, next)
			total += next
		}
		w.ScaleVec(1/total, w)
	}

	alloc := make(Allocation, k)
	for i, c := range candidates {
		alloc[c.Symbol] = w.AtVec(i)
	}
	return alloc, nil
}
