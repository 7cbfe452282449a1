package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/neurograde/tensor"
)

// Optimizer updates model parameters from their accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
	GetLR() float64
	SetLR(lr float64)
}

// OptimizerState is a serializable snapshot of optimizer slot variables,
// indexed by parameter position.
type OptimizerState struct {
	Type      string
	Step      int64
	Moments   [][]float32 // Adam first moments / SGD velocities
	Variances [][]float32 // Adam second moments
}

// Stateful is implemented by optimizers whose slots survive a checkpoint
// round trip.
type Stateful interface {
	StateSnapshot() (*OptimizerState, error)
	RestoreState(state *OptimizerState) error
}

// ---------------------------------------------------------------------------
// SGD

// SGD is stochastic gradient descent with optional momentum and weight decay.
// Slot variables are indexed by parameter position so they serialize.
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   []*tensor.Tensor
	mutex        sync.RWMutex
}

// NewSGD creates an SGD optimizer over the given parameters.
func NewSGD(parameters []*tensor.Tensor, lr, momentum, weightDecay float64) (*SGD, error) {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		velocities:   make([]*tensor.Tensor, len(parameters)),
	}
	if momentum > 0 {
		for i, param := range parameters {
			v, err := tensor.Zeros(param.Shape, tensor.Float32)
			if err != nil {
				return nil, fmt.Errorf("velocity init failed: %w", err)
			}
			sgd.velocities[i] = v
		}
	}
	return sgd, nil
}

// Step performs one descent update on every parameter with a gradient.
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, param := range sgd.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad()

		if sgd.weightDecay > 0 {
			decayTerm, err := tensor.Mul(param, tensor.FromScalar(sgd.weightDecay, tensor.Float32))
			if err != nil {
				return fmt.Errorf("weight decay failed: %w", err)
			}
			grad, err = tensor.Add(grad, decayTerm)
			if err != nil {
				return fmt.Errorf("weight decay failed: %w", err)
			}
		}

		if sgd.momentum > 0 {
			velocity := sgd.velocities[i]
			scaled, err := tensor.Mul(velocity, tensor.FromScalar(sgd.momentum, tensor.Float32))
			if err != nil {
				return fmt.Errorf("momentum scaling failed: %w", err)
			}
			newVelocity, err := tensor.Add(scaled, grad)
			if err != nil {
				return fmt.Errorf("velocity update failed: %w", err)
			}
			if err := velocity.SetData(newVelocity.Data); err != nil {
				return fmt.Errorf("velocity store failed: %w", err)
			}
			grad = newVelocity
		}

		update, err := tensor.Mul(grad, tensor.FromScalar(sgd.learningRate, tensor.Float32))
		if err != nil {
			return fmt.Errorf("lr scaling failed: %w", err)
		}
		newData, err := tensor.Sub(param, update)
		if err != nil {
			return fmt.Errorf("parameter update failed: %w", err)
		}
		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter store failed: %w", err)
		}
	}
	return nil
}

func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

// StateSnapshot exports the velocity slots.
func (sgd *SGD) StateSnapshot() (*OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	state := &OptimizerState{Type: "sgd", Moments: make([][]float32, len(sgd.parameters))}
	for i, v := range sgd.velocities {
		if v == nil {
			continue
		}
		data := v.Data.([]float32)
		out := make([]float32, len(data))
		copy(out, data)
		state.Moments[i] = out
	}
	return state, nil
}

// RestoreState loads exported velocity slots.
func (sgd *SGD) RestoreState(state *OptimizerState) error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	if state.Type != "sgd" {
		return fmt.Errorf("cannot restore %q state into SGD", state.Type)
	}
	if len(state.Moments) != len(sgd.parameters) {
		return fmt.Errorf("state has %d slots, optimizer has %d parameters", len(state.Moments), len(sgd.parameters))
	}
	for i, data := range state.Moments {
		if data == nil {
			continue
		}
		if sgd.velocities[i] == nil {
			v, err := tensor.Zeros(sgd.parameters[i].Shape, tensor.Float32)
			if err != nil {
				return err
			}
			sgd.velocities[i] = v
		}
		if err := sgd.velocities[i].SetData(data); err != nil {
			return fmt.Errorf("restore velocity %d: %w", i, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Adam

// Adam is the Adam optimizer. Weight decay is folded into the gradient
// before the moment updates.
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           []*tensor.Tensor
	v           []*tensor.Tensor
	mutex       sync.RWMutex
}

// NewAdam creates an Adam optimizer over the given parameters.
func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) (*Adam, error) {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make([]*tensor.Tensor, len(parameters)),
		v:           make([]*tensor.Tensor, len(parameters)),
	}
	for i, param := range parameters {
		m, err := tensor.Zeros(param.Shape, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("first moment init failed: %w", err)
		}
		v, err := tensor.Zeros(param.Shape, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("second moment init failed: %w", err)
		}
		adam.m[i] = m
		adam.v[i] = v
	}
	return adam, nil
}

// Step performs one Adam update with bias correction.
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		if !param.RequiresGrad() || param.Grad() == nil {
			continue
		}
		grad := param.Grad()

		if adam.weightDecay > 0 {
			decayTerm, err := tensor.Mul(param, tensor.FromScalar(adam.weightDecay, tensor.Float32))
			if err != nil {
				return fmt.Errorf("weight decay failed: %w", err)
			}
			grad, err = tensor.Add(grad, decayTerm)
			if err != nil {
				return fmt.Errorf("weight decay failed: %w", err)
			}
		}

		// m = beta1*m + (1-beta1)*grad
		mScaled, err := tensor.Mul(adam.m[i], tensor.FromScalar(adam.beta1, tensor.Float32))
		if err != nil {
			return fmt.Errorf("first moment scaling failed: %w", err)
		}
		gradScaled, err := tensor.Mul(grad, tensor.FromScalar(1.0-adam.beta1, tensor.Float32))
		if err != nil {
			return fmt.Errorf("first moment grad term failed: %w", err)
		}
		newM, err := tensor.Add(mScaled, gradScaled)
		if err != nil {
			return fmt.Errorf("first moment update failed: %w", err)
		}

		// v = beta2*v + (1-beta2)*grad^2
		vScaled, err := tensor.Mul(adam.v[i], tensor.FromScalar(adam.beta2, tensor.Float32))
		if err != nil {
			return fmt.Errorf("second moment scaling failed: %w", err)
		}
		gradSquared, err := tensor.Mul(grad, grad)
		if err != nil {
			return fmt.Errorf("gradient squaring failed: %w", err)
		}
		gradSquaredScaled, err := tensor.Mul(gradSquared, tensor.FromScalar(1.0-adam.beta2, tensor.Float32))
		if err != nil {
			return fmt.Errorf("second moment grad term failed: %w", err)
		}
		newV, err := tensor.Add(vScaled, gradSquaredScaled)
		if err != nil {
			return fmt.Errorf("second moment update failed: %w", err)
		}

		if err := adam.m[i].SetData(newM.Data); err != nil {
			return fmt.Errorf("first moment store failed: %w", err)
		}
		if err := adam.v[i].SetData(newV.Data); err != nil {
			return fmt.Errorf("second moment store failed: %w", err)
		}

		// update = lr * (m/bias1) / (sqrt(v/bias2) + eps)
		mHat, err := tensor.Mul(newM, tensor.FromScalar(1.0/bias1, tensor.Float32))
		if err != nil {
			return fmt.Errorf("bias correction failed: %w", err)
		}
		vHat, err := tensor.Mul(newV, tensor.FromScalar(1.0/bias2, tensor.Float32))
		if err != nil {
			return fmt.Errorf("bias correction failed: %w", err)
		}
		vHatSqrt, err := tensor.Sqrt(vHat)
		if err != nil {
			return fmt.Errorf("sqrt failed: %w", err)
		}
		denom, err := tensor.Add(vHatSqrt, tensor.FromScalar(adam.eps, tensor.Float32))
		if err != nil {
			return fmt.Errorf("denominator failed: %w", err)
		}
		update, err := tensor.Div(mHat, denom)
		if err != nil {
			return fmt.Errorf("update division failed: %w", err)
		}
		update, err = tensor.Mul(update, tensor.FromScalar(adam.lr, tensor.Float32))
		if err != nil {
			return fmt.Errorf("lr scaling failed: %w", err)
		}

		newData, err := tensor.Sub(param, update)
		if err != nil {
			return fmt.Errorf("parameter update failed: %w", err)
		}
		if err := param.SetData(newData.Data); err != nil {
			return fmt.Errorf("parameter store failed: %w", err)
		}
	}
	return nil
}

func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

// StateSnapshot exports the step counter and both moment slots.
func (adam *Adam) StateSnapshot() (*OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	state := &OptimizerState{
		Type:      "adam",
		Step:      adam.step,
		Moments:   make([][]float32, len(adam.parameters)),
		Variances: make([][]float32, len(adam.parameters)),
	}
	for i := range adam.parameters {
		mData := adam.m[i].Data.([]float32)
		vData := adam.v[i].Data.([]float32)
		state.Moments[i] = make([]float32, len(mData))
		state.Variances[i] = make([]float32, len(vData))
		copy(state.Moments[i], mData)
		copy(state.Variances[i], vData)
	}
	return state, nil
}

// RestoreState loads an exported snapshot, resuming bias correction at the
// recorded step.
func (adam *Adam) RestoreState(state *OptimizerState) error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	if state.Type != "adam" {
		return fmt.Errorf("cannot restore %q state into Adam", state.Type)
	}
	if len(state.Moments) != len(adam.parameters) || len(state.Variances) != len(adam.parameters) {
		return fmt.Errorf("state has %d/%d slots, optimizer has %d parameters",
			len(state.Moments), len(state.Variances), len(adam.parameters))
	}
	adam.step = state.Step
	for i := range adam.parameters {
		if err := adam.m[i].SetData(state.Moments[i]); err != nil {
			return fmt.Errorf("restore first moment %d: %w", i, err)
		}
		if err := adam.v[i].SetData(state.Variances[i]); err != nil {
			return fmt.Errorf("restore second moment %d: %w", i, err)
		}
	}
	return nil
}
