package flows

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// #region training-config
// TrainingConfig holds the optimisation parameters for a flow fit.
type TrainingConfig struct {
	LR        float64 `json:"lr"`
	BatchSize int     `json:"batch_size"`
	ValSize   float64 `json:"val_size"`
	MaxEpochs int     `json:"max_epochs"`
	Patience  int     `json:"patience"`
}

// DefaultTrainingConfig returns the defaults used when none are configured.
func DefaultTrainingConfig() TrainingConfig {
	return TrainingConfig{LR: 0.001, BatchSize: 100, ValSize: 0.1, MaxEpochs: 200, Patience: 20}
}

// TrainingResult summarises a completed fit.
type TrainingResult struct {
	Epochs    int
	TrainLoss float64
	ValLoss   float64
}

// TrainingError reports numerical divergence during a fit. The flow's
// previous weights are restored before it is returned; the caller decides
// whether to retry or continue with the stale model.
type TrainingError struct {
	Epoch int
	Loss  float64
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("flow training diverged at epoch %d (loss=%g)", e.Epoch, e.Loss)
}
// #endregion training-config

// #region train
// Train fits the flow to data by maximum likelihood. Rows of data are
// samples in the flow's data space. On divergence the weights in place
// before the call are restored and a *TrainingError is returned.
func (f *Flow) Train(data *mat.Dense, cfg TrainingConfig) (TrainingResult, error) {
	rows, cols := data.Dims()
	if cols != f.dim {
		return TrainingResult{}, fmt.Errorf("train: data has %d columns, flow has %d", cols, f.dim)
	}
	if rows < 4 {
		return TrainingResult{}, fmt.Errorf("train: need at least 4 samples, got %d", rows)
	}
	if cfg.LR <= 0 {
		cfg.LR = DefaultTrainingConfig().LR
	}
	if cfg.MaxEpochs <= 0 {
		cfg.MaxEpochs = DefaultTrainingConfig().MaxEpochs
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultTrainingConfig().BatchSize
	}

	start := f.snapshot()

	perm := f.rng.Perm(rows)
	nVal := int(cfg.ValSize * float64(rows))
	if nVal >= rows {
		nVal = rows / 2
	}
	valIdx := perm[:nVal]
	trainIdx := perm[nVal:]

	opt := newAdam(f.linears(), cfg.LR)
	best := f.snapshot()
	bestLoss := math.Inf(1)
	sinceBest := 0
	var res TrainingResult

	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		f.rng.Shuffle(len(trainIdx), func(i, j int) {
			trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i]
		})
		var epochLoss float64
		var nBatches int
		for at := 0; at < len(trainIdx); at += cfg.BatchSize {
			end := at + cfg.BatchSize
			if end > len(trainIdx) {
				end = len(trainIdx)
			}
			batch := gatherRows(data, trainIdx[at:end])
			loss, grads := f.lossAndGrads(batch)
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				f.restore(start)
				return TrainingResult{}, &TrainingError{Epoch: epoch, Loss: loss}
			}
			opt.step(grads)
			epochLoss += loss
			nBatches++
		}
		res.TrainLoss = epochLoss / float64(nBatches)
		res.Epochs = epoch

		monitor := res.TrainLoss
		if len(valIdx) > 0 {
			monitor = f.meanLoss(gatherRows(data, valIdx))
		}
		res.ValLoss = monitor
		if math.IsNaN(monitor) || math.IsInf(monitor, 0) {
			f.restore(start)
			return TrainingResult{}, &TrainingError{Epoch: epoch, Loss: monitor}
		}

		if monitor < bestLoss {
			bestLoss = monitor
			best = f.snapshot()
			sinceBest = 0
		} else {
			sinceBest++
			if cfg.Patience > 0 && sinceBest >= cfg.Patience {
				break
			}
		}
	}

	f.restore(best)
	res.ValLoss = bestLoss
	return res, nil
}

// meanLoss is the mean negative log-likelihood of the rows of x.
func (f *Flow) meanLoss(x *mat.Dense) float64 {
	lp := f.LogProb(x)
	var sum float64
	for _, v := range lp {
		sum -= v
	}
	return sum / float64(len(lp))
}

func gatherRows(m *mat.Dense, idx []int) *mat.Dense {
	_, cols := m.Dims()
	out := mat.NewDense(len(idx), cols, nil)
	for i, id := range idx {
		out.SetRow(i, m.RawRowView(id))
	}
	return out
}
// #endregion train

// #region backprop
// lossAndGrads runs a full forward pass with caches, then backpropagates
// the mean negative log-likelihood through every coupling.
func (f *Flow) lossAndGrads(x *mat.Dense) (float64, []*linGrad) {
	rows, _ := x.Dims()
	invN := 1 / float64(rows)

	z := mat.DenseCopyOf(x)
	caches := make([]*couplingCache, len(f.couplings))
	logDet := make([]float64, rows)
	for k, c := range f.couplings {
		caches[k] = &couplingCache{}
		c.forward(z, logDet, caches[k])
	}

	var loss float64
	for i := 0; i < rows; i++ {
		loss -= baseLogProb(z.RawRowView(i)) + logDet[i]
	}
	loss *= invN

	// d(-logphi)/dz = z; scaled by 1/n for the batch mean.
	dZ := mat.NewDense(rows, f.dim, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < f.dim; j++ {
			dZ.Set(i, j, z.At(i, j)*invN)
		}
	}

	grads := newLinGrads(f.linears())
	at := 0
	// grads are laid out per coupling in forward order
	offsets := make([]int, len(f.couplings))
	for k, c := range f.couplings {
		offsets[k] = at
		at += len(c.net.hidden) + 1
	}
	for k := len(f.couplings) - 1; k >= 0; k-- {
		c := f.couplings[k]
		dZ = c.backward(dZ, caches[k], grads[offsets[k]:offsets[k]+len(c.net.hidden)+1], invN)
	}
	return loss, grads
}

// backward maps the gradient w.r.t. this coupling's output to the gradient
// w.r.t. its input, accumulating conditioner weight gradients.
func (c *coupling) backward(dOut *mat.Dense, cache *couplingCache, grads []*linGrad, invN float64) *mat.Dense {
	rows, dim := dOut.Dims()
	dOutA := gatherCols(dOut, c.idA)
	dOutB := gatherCols(dOut, c.idB)

	nb := len(c.idB)
	dXb := mat.NewDense(rows, nb, nil)
	dS := mat.NewDense(rows, nb, nil)
	dT := mat.NewDense(rows, nb, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < nb; j++ {
			expNegS := math.Exp(-cache.s.At(i, j))
			g := dOutB.At(i, j)
			dXb.Set(i, j, g*expNegS)
			// out_b = (x_b - t) e^{-s}; logdet term adds invN per element
			dS.Set(i, j, -g*cache.out.At(i, j)+invN)
			dT.Set(i, j, -g*expNegS)
		}
	}

	dXaNet := c.net.backward(dS, dT, cache.net, grads)
	dXa := mat.NewDense(rows, len(c.idA), nil)
	dXa.Add(dOutA, dXaNet)

	dIn := mat.NewDense(rows, dim, nil)
	scatterCols(dIn, c.idA, dXa)
	scatterCols(dIn, c.idB, dXb)
	return dIn
}

// backward propagates the gradients w.r.t. the bounded log-scales and
// shifts through the conditioner, returning the gradient w.r.t. its input.
func (m *mlp) backward(dS, dT *mat.Dense, cache *mlpCache, grads []*linGrad) *mat.Dense {
	rows, _ := dS.Dims()
	_, outCols := m.out.w.Dims()
	dY := mat.NewDense(rows, outCols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < m.dimB; j++ {
			// s = sClamp * tanh(raw/sClamp)
			th := math.Tanh(cache.rawS.At(i, j) / sClamp)
			dY.Set(i, j, dS.At(i, j)*(1-th*th))
			dY.Set(i, m.dimB+j, dT.At(i, j))
		}
	}

	gOut := grads[len(m.hidden)]
	gOut.accumulate(cache.outIn, dY)
	dH := mat.NewDense(rows, rowsOf(m.out.w), nil)
	dH.Mul(dY, m.out.w.T())

	for l := len(m.hidden) - 1; l >= 0; l-- {
		act := cache.acts[l]
		r, cols := act.Dims()
		dA := mat.NewDense(r, cols, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				a := act.At(i, j)
				dA.Set(i, j, dH.At(i, j)*(1-a*a))
			}
		}
		grads[l].accumulate(cache.inputs[l], dA)
		lin := m.hidden[l]
		next := mat.NewDense(r, rowsOf(lin.w), nil)
		next.Mul(dA, lin.w.T())
		dH = next
	}
	return dH
}

func rowsOf(m *mat.Dense) int {
	r, _ := m.Dims()
	return r
}
// #endregion backprop

// #region optimizer
// linGrad accumulates gradients for one linear layer.
type linGrad struct {
	gw *mat.Dense
	gb []float64
}

func newLinGrads(lins []*linear) []*linGrad {
	out := make([]*linGrad, len(lins))
	for i, l := range lins {
		r, c := l.w.Dims()
		out[i] = &linGrad{gw: mat.NewDense(r, c, nil), gb: make([]float64, c)}
	}
	return out
}

// accumulate adds input^T * delta to the weight gradient and the column
// sums of delta to the bias gradient.
func (g *linGrad) accumulate(input, delta *mat.Dense) {
	g.gw.Mul(input.T(), delta)
	rows, cols := delta.Dims()
	for j := 0; j < cols; j++ {
		var sum float64
		for i := 0; i < rows; i++ {
			sum += delta.At(i, j)
		}
		g.gb[j] = sum
	}
}

// adam is a standard Adam optimizer over the flow's linear layers.
type adam struct {
	lins []*linear
	lr   float64
	t    int
	mw   []*mat.Dense
	vw   []*mat.Dense
	mb   [][]float64
	vb   [][]float64
}

func newAdam(lins []*linear, lr float64) *adam {
	a := &adam{lins: lins, lr: lr}
	for _, l := range lins {
		r, c := l.w.Dims()
		a.mw = append(a.mw, mat.NewDense(r, c, nil))
		a.vw = append(a.vw, mat.NewDense(r, c, nil))
		a.mb = append(a.mb, make([]float64, c))
		a.vb = append(a.vb, make([]float64, c))
	}
	return a
}

func (a *adam) step(grads []*linGrad) {
	const beta1, beta2, eps = 0.9, 0.999, 1e-8
	a.t++
	bc1 := 1 - math.Pow(beta1, float64(a.t))
	bc2 := 1 - math.Pow(beta2, float64(a.t))
	for k, l := range a.lins {
		g := grads[k]
		r, c := l.w.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				gv := g.gw.At(i, j)
				m := beta1*a.mw[k].At(i, j) + (1-beta1)*gv
				v := beta2*a.vw[k].At(i, j) + (1-beta2)*gv*gv
				a.mw[k].Set(i, j, m)
				a.vw[k].Set(i, j, v)
				l.w.Set(i, j, l.w.At(i, j)-a.lr*(m/bc1)/(math.Sqrt(v/bc2)+eps))
			}
		}
		for j := 0; j < c; j++ {
			gv := g.gb[j]
			m := beta1*a.mb[k][j] + (1-beta1)*gv
			v := beta2*a.vb[k][j] + (1-beta2)*gv*gv
			a.mb[k][j] = m
			a.vb[k][j] = v
			l.b[j] -= a.lr * (m / bc1) / (math.Sqrt(v/bc2) + eps)
		}
	}
}
// #endregion optimizer

// #region snapshot
// linears lists every linear layer in a stable order: for each coupling,
// its hidden layers then its output layer.
func (f *Flow) linears() []*linear {
	var out []*linear
	for _, c := range f.couplings {
		out = append(out, c.net.hidden...)
		out = append(out, c.net.out)
	}
	return out
}

// snapshot deep-copies all weights; restore writes a snapshot back. Used
// to retain the previous model across failed or unimproving epochs.
func (f *Flow) snapshot() []*linear {
	lins := f.linears()
	out := make([]*linear, len(lins))
	for i, l := range lins {
		out[i] = &linear{w: mat.DenseCopyOf(l.w), b: append([]float64(nil), l.b...)}
	}
	return out
}

func (f *Flow) restore(snap []*linear) {
	lins := f.linears()
	for i, l := range lins {
		l.w.Copy(snap[i].w)
		copy(l.b, snap[i].b)
	}
}
// #endregion snapshot
