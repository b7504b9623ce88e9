package asm

// BaseAssemblerImpl includes code common to all architectures.
type BaseAssemblerImpl struct {
	// SetBranchTargetOnNextNodes holds branch kind instructions (JMP,
	// conditional jumps, CALL) whose destination is the next node to be
	// assembled.
	SetBranchTargetOnNextNodes []Node

	// OnGenerateCallbacks holds the callbacks which are called after
	// generating native code.
	OnGenerateCallbacks []func(code []byte) error
}

// SetJumpTargetOnNext implements AssemblerBase.SetJumpTargetOnNext.
func (a *BaseAssemblerImpl) SetJumpTargetOnNext(nodes ...Node) {
	a.SetBranchTargetOnNextNodes = append(a.SetBranchTargetOnNextNodes, nodes...)
}

// AddOnGenerateCallBack implements AssemblerBase.AddOnGenerateCallBack.
func (a *BaseAssemblerImpl) AddOnGenerateCallBack(cb func(code []byte) error) {
	a.OnGenerateCallbacks = append(a.OnGenerateCallbacks, cb)
}
