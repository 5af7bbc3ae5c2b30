package gpu

// Word offsets of the sections of an indirect argument block.
const (
	// DrawOffset holds vertex count, instance count, first vertex, first instance.
	DrawOffset = 0
	// IndexedOffset holds index count, instance count, first index, base vertex, first instance.
	IndexedOffset = 4
	// ComputeDivOffset holds a group count sized for one thread per queue entry.
	ComputeDivOffset = 9
	// ComputeOffset holds a group count of one group per queue entry.
	ComputeOffset = 12
	// IndirectArgsWords is the size of one block in 32 bit words.
	IndirectArgsWords = 15
)

// CubeIndexCount is the index count of the unit cube drawn per root volume.
const CubeIndexCount = 36

// IndirectArgs is a single indirect argument block.
type IndirectArgs = Buffer[uint32]

// NewIndirectArgs allocates a zeroed indirect argument block.
func NewIndirectArgs(name string) *IndirectArgs {
	return NewBuffer[uint32](BufferDesc{Name: name, Usage: UsageDefault | UsageIndirect}, IndirectArgsWords)
}

// DrawArgs are the arguments of a non-indexed instanced draw.
type DrawArgs struct {
	VertexCount   int
	InstanceCount int
	FirstVertex   int
	FirstInstance int
}

// DrawArgsAt decodes a draw section.
func DrawArgsAt(args *IndirectArgs, wordOffset int) DrawArgs {
	w := args.Data[wordOffset : wordOffset+4]
	return DrawArgs{
		VertexCount:   int(w[0]),
		InstanceCount: int(w[1]),
		FirstVertex:   int(w[2]),
		FirstInstance: int(w[3]),
	}
}

// GroupsAt decodes a compute section.
func GroupsAt(args *IndirectArgs, wordOffset int) Dim3 {
	w := args.Data[wordOffset : wordOffset+3]
	return Dim3{X: int(w[0]), Y: int(w[1]), Z: int(w[2])}
}

// ResetQueueArgs writes the state an indirect block has before a compaction pass appends into
// it: empty queue, one row of groups, and the cube index count in the indexed section.
func ResetQueueArgs(args *IndirectArgs) {
	for i := range args.Data {
		args.Data[i] = 0
	}
	args.Data[DrawOffset+1] = 1
	args.Data[IndexedOffset] = CubeIndexCount
	args.Data[ComputeDivOffset+1], args.Data[ComputeDivOffset+2] = 1, 1
	args.Data[ComputeOffset+1], args.Data[ComputeOffset+2] = 1, 1
}

// QueueLength returns the number of queue entries recorded in the instance count.
func QueueLength(args *IndirectArgs) int {
	return int(args.Data[IndexedOffset+1])
}
