package proc

// WalkOptions configures WalkFramePointers.
type WalkOptions struct {
	// Limits bounds every read, the zero value means the limits of the
	// architecture.
	Limits Limits
	// MaxFrames caps the number of frames returned, 0 means MaxFrames.
	MaxFrames int
	// Skip is the number of innermost frames to drop.
	Skip int
}

func (opts WalkOptions) limits(arch *Arch) Limits {
	lim := opts.Limits
	def := arch.Limits()
	if lim.MinAddr == 0 {
		lim.MinAddr = def.MinAddr
	}
	if lim.MaxAddr == 0 {
		lim.MaxAddr = def.MaxAddr
	}
	return lim
}

// WalkFramePointers follows the chain of saved frame pointers starting at
// fp. Every link of the chain is a frame record: the saved frame pointer
// of the caller at [fp] and the return address into the caller at
// [fp+ptrSize]. Each link produces exactly one frame.
//
// The walk stops at the first frame pointer that is zero, misaligned or
// outside of the limits, at a zero return address, at an unreadable
// record, at a saved frame pointer that does not point higher up the
// stack (which also stops cycles) and when MaxFrames frames have been
// collected. It never fails, a truncated walk returns the frames collected
// so far.
func WalkFramePointers(mem MemoryReader, arch *Arch, fp uint64, opts WalkOptions) Stack {
	lim := opts.limits(arch)
	ptrSize := uint64(arch.PtrSize())
	b := NewStackBuilder(opts.MaxFrames)
	skip := opts.Skip

	for !b.Full() {
		if fp == 0 || fp < lim.MinAddr || fp%ptrSize != 0 {
			break
		}
		ret, err := ReadWord(mem, lim, fp+ptrSize, int(ptrSize))
		if err != nil || ret == 0 {
			break
		}
		if skip > 0 {
			skip--
		} else {
			b.Append(Frame{PC: ret, Return: true})
		}
		next, err := ReadWord(mem, lim, fp, int(ptrSize))
		if err != nil || next <= fp {
			break
		}
		fp = next
	}
	return b.Stack()
}
