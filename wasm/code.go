package wasm

// Code accumulates a function body.
type Code struct {
	buf []byte
}

// Bytes returns the encoded body.
func (c *Code) Bytes() []byte {
	return c.buf
}

// Len returns the body size so far.
func (c *Code) Len() int {
	return len(c.buf)
}

// Op appends raw opcodes.
func (c *Code) Op(ops ...byte) {
	c.buf = append(c.buf, ops...)
}

func (c *Code) u32(v uint32) {
	c.buf = append(c.buf, encodeU32(v)...)
}

// I32Const pushes a 32-bit constant.
func (c *Code) I32Const(v int32) {
	c.buf = append(c.buf, OpI32Const)
	c.buf = append(c.buf, encodeS64(int64(v))...)
}

// I64Const pushes a 64-bit constant given as its bit pattern.
func (c *Code) I64Const(v uint64) {
	c.buf = append(c.buf, OpI64Const)
	c.buf = append(c.buf, encodeS64(int64(v))...)
}

// LocalGet pushes a local.
func (c *Code) LocalGet(idx uint32) {
	c.buf = append(c.buf, OpLocalGet)
	c.u32(idx)
}

// LocalSet pops into a local.
func (c *Code) LocalSet(idx uint32) {
	c.buf = append(c.buf, OpLocalSet)
	c.u32(idx)
}

// LocalTee stores into a local and keeps the value.
func (c *Code) LocalTee(idx uint32) {
	c.buf = append(c.buf, OpLocalTee)
	c.u32(idx)
}

// Call calls a function by index.
func (c *Code) Call(fn uint32) {
	c.buf = append(c.buf, OpCall)
	c.u32(fn)
}

// Mem appends a load or store with its alignment exponent and offset.
func (c *Code) Mem(op byte, align, offset uint32) {
	c.buf = append(c.buf, op)
	c.u32(align)
	c.u32(offset)
}

// Block opens a block.
func (c *Code) Block(bt byte) {
	c.buf = append(c.buf, OpBlock, bt)
}

// Loop opens a loop.
func (c *Code) Loop(bt byte) {
	c.buf = append(c.buf, OpLoop, bt)
}

// If opens a conditional on the i32 on top of the stack.
func (c *Code) If(bt byte) {
	c.buf = append(c.buf, OpIf, bt)
}

// Else starts the else arm.
func (c *Code) Else() {
	c.buf = append(c.buf, OpElse)
}

// End closes the innermost construct.
func (c *Code) End() {
	c.buf = append(c.buf, OpEnd)
}

// Br branches to the label at depth.
func (c *Code) Br(depth uint32) {
	c.buf = append(c.buf, OpBr)
	c.u32(depth)
}

// BrIf branches to the label at depth when the i32 on top is nonzero.
func (c *Code) BrIf(depth uint32) {
	c.buf = append(c.buf, OpBrIf)
	c.u32(depth)
}

// BrTable branches through a jump table indexed by the i32 on top.
func (c *Code) BrTable(targets []uint32, def uint32) {
	c.buf = append(c.buf, OpBrTable)
	c.u32(uint32(len(targets)))
	for _, t := range targets {
		c.u32(t)
	}
	c.u32(def)
}

// Return returns from the function.
func (c *Code) Return() {
	c.buf = append(c.buf, OpReturn)
}

// Unreachable traps.
func (c *Code) Unreachable() {
	c.buf = append(c.buf, OpUnreachable)
}
